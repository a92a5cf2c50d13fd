// Package idgen generates mail object identifiers.
//
// Identifiers are time-derived and lexically sortable so that a plain
// directory listing of a mailbox is already in delivery order:
//
//	20251220_121857_613099
//
// The trailing six digits are the microsecond component; a process-wide
// sequence counter nudges the microseconds forward when two identifiers
// are generated within the same microsecond, so collisions within one
// process cannot happen. Collisions across processes are handled by the
// storage layer.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

var (
	mu       sync.Mutex
	lastUnix int64 // microseconds since epoch of the last issued id
)

// New generates a new sortable mail id.
func New() string {
	now := time.Now()

	mu.Lock()
	usec := now.UnixMicro()
	if usec <= lastUnix {
		usec = lastUnix + 1
		now = time.UnixMicro(usec)
	}
	lastUnix = usec
	mu.Unlock()

	return fmt.Sprintf("%s_%06d", now.Format("20060102_150405"), now.Nanosecond()/1000)
}
