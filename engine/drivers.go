// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	_ "gviegas/rtcore/driver/soft"
)
