package core

import "time"

// nowMs is indirected through a package var, not called directly, so tests
// can pin the clock without sleeping real wall time.
var nowMs = func() int64 {
	return time.Now().UnixMilli()
}
