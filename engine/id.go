// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"

	"gviegas/rtcore/internal/bitvec"
)

// dataID identifies a dataMap.data element.
type dataID struct {
	data int
}

// dataEntry is what a dataMap stores.
type dataEntry[T any] struct {
	data T
	id   int
}

// dataMap stores data of type D with identifiers
// of type I.
type dataMap[I ~int, D any] struct {
	ids   []dataID
	idMap bitvec.V[uint32]
	data  []dataEntry[D]
}

// insert inserts data into m.
// It returns an I value that identifies data in m.
func (m *dataMap[I, D]) insert(data D) I {
	if m.idMap.Rem() == 0 {
		cnt := max(1, m.idMap.Len()/32)
		m.ids = append(m.ids, make([]dataID, cnt*32)...)
		m.idMap.Grow(cnt)
	}
	idx, ok := m.idMap.Search()
	if !ok {
		// Should never happen.
		panic("unexpected failure from bitvec.V.Search")
	}
	m.idMap.Set(idx)
	id := I(idx)
	m.ids[id] = dataID{data: len(m.data)}
	m.data = append(m.data, dataEntry[D]{data, int(id)})
	return id
}

// remove removes the data identified by id.
// It returns the removed data.
// id must belong to m.
func (m *dataMap[I, D]) remove(id I) D {
	d := m.ids[id].data
	data := m.data[d]
	last := len(m.data) - 1
	if d < last {
		swap := m.data[last].id
		m.ids[swap].data = d
		m.data[d] = m.data[last]
	}
	m.ids[id].data = -1
	m.idMap.Unset(int(id))
	m.data[last] = dataEntry[D]{}
	m.data = m.data[:last]
	return data.data
}

// entries returns the dataEntry slice of m.
// This slice aliases m's entries and as such must not
// be mutated by the caller.
func (m *dataMap[I, D]) entries() []dataEntry[D] { return m.data }

// len is equivalent to len(m.entries()).
func (m *dataMap[_, _]) len() int { return len(m.data) }

// resID identifies a live resource of a Device.
type resID int

// liveRes describes a live resource. size is 0 for
// resources that hold no device memory of their own.
type liveRes struct {
	kind string
	size int64
}

// track registers a live resource.
func (d *Device) track(kind string, size int64) resID {
	d.resMu.Lock()
	defer d.resMu.Unlock()
	return d.res.insert(liveRes{kind, size})
}

// untrack unregisters a resource returned by track.
func (d *Device) untrack(id resID) {
	d.resMu.Lock()
	defer d.resMu.Unlock()
	d.res.remove(id)
}

// LiveResources returns the number of buffers, images,
// command rings and bindless heaps created from d that
// were not destroyed yet.
func (d *Device) LiveResources() int {
	d.resMu.Lock()
	defer d.resMu.Unlock()
	return d.res.len()
}

// LiveBytes returns the memory held by the resources
// counted by LiveResources, in bytes.
func (d *Device) LiveBytes() int64 {
	d.resMu.Lock()
	defer d.resMu.Unlock()
	var n int64
	for _, e := range d.res.entries() {
		n += e.data.size
	}
	return n
}

// reportLeaks logs every live resource.
func (d *Device) reportLeaks() {
	d.resMu.Lock()
	defer d.resMu.Unlock()
	if d.res.len() == 0 {
		return
	}
	kinds := make(map[string]int)
	var bytes int64
	for _, e := range d.res.entries() {
		kinds[e.data.kind]++
		bytes += e.data.size
	}
	Logger().Warn("engine: device closed with live resources",
		slog.Int("count", d.res.len()),
		slog.Int64("bytes", bytes),
		slog.Any("kinds", kinds))
}
