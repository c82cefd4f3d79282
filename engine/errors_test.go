// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"gviegas/rtcore/driver"
)

func TestDeviceError(t *testing.T) {
	err := deviceError("Submit", Compute, driver.ErrNoDeviceMemory)
	var de *DeviceError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, "Submit", de.Op)
	assert.Equal(t, Compute, de.Queue)
	assert.ErrorIs(t, err, ErrDevice)
	assert.ErrorIs(t, err, driver.ErrNoDeviceMemory)
	assert.NotErrorIs(t, err, ErrDeviceLost)
	assert.Contains(t, err.Error(), "compute queue")

	assert.NoError(t, deviceError("Submit", Compute, nil))
	assert.Same(t, err, deviceError("Other", Graphics, err), "DeviceErrors must not be wrapped twice")
}

func TestDeviceErrorTimeout(t *testing.T) {
	err := deviceError("WaitTimeline", Transfer, driver.ErrTimeout)
	assert.ErrorIs(t, err, ErrDevice)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.ErrorIs(t, err, driver.ErrTimeout)
}

func TestBuildError(t *testing.T) {
	cause := errors.New("boom")
	var err error = &BuildError{Kind: TLAS, Step: StepSizes, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "engine: TLAS build failed at sizes step: boom", err.Error())
	assert.Equal(t, "BuildStep(42)", BuildStep(42).String())
}
