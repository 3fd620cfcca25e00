package bitpart

import (
	"time"

	"github.com/google/uuid"
)

// EngineVersion is stamped onto bot versions at creation time.
const EngineVersion = "0.1.0"

// NewID generates a random UUIDv4 for entity rows. Insertion order is
// tracked by a separate sequence column, so IDs need no time ordering.
func NewID() string {
	return uuid.NewString()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
