package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Clock is the last-writer-wins version stamp carried by every op. Ordering
// is lexicographic over (rev, updated_at, device_id): higher rev wins, ties
// fall to wall-clock time, and the origin device id is the final
// deterministic tie-break so every device agrees on the winner.
type Clock struct {
	Rev       int64     `json:"rev"`
	UpdatedAt time.Time `json:"updated_at"`
	DeviceID  string    `json:"device_id"`
}

// Compare returns -1, 0 or 1 as c orders before, equal to or after other.
func (c Clock) Compare(other Clock) int {
	if c.Rev != other.Rev {
		if c.Rev < other.Rev {
			return -1
		}
		return 1
	}
	a, b := c.UpdatedAt.UTC().UnixNano(), other.UpdatedAt.UTC().UnixNano()
	if a != b {
		if a < b {
			return -1
		}
		return 1
	}
	return strings.Compare(c.DeviceID, other.DeviceID)
}

// After reports whether c wins over other under LWW ordering.
func (c Clock) After(other Clock) bool { return c.Compare(other) > 0 }

func (c Clock) String() string {
	return fmt.Sprintf("%d@%s/%s", c.Rev, c.UpdatedAt.UTC().Format(time.RFC3339Nano), c.DeviceID)
}

var (
	// ErrMalformedOp marks an op that fails structural validation; the
	// caller must not advance a cursor past it silently.
	ErrMalformedOp = errors.New("malformed op")
)

// Validate checks the structural invariants every op must satisfy before it
// touches storage.
func (o *Op) Validate() error {
	switch {
	case strings.TrimSpace(o.OpID) == "":
		return fmt.Errorf("%w: empty op_id", ErrMalformedOp)
	case strings.TrimSpace(o.EntityType) == "":
		return fmt.Errorf("%w: empty entity_type", ErrMalformedOp)
	case strings.TrimSpace(o.EntityID) == "":
		return fmt.Errorf("%w: empty entity_id", ErrMalformedOp)
	case o.Clock.Rev <= 0:
		return fmt.Errorf("%w: rev %d", ErrMalformedOp, o.Clock.Rev)
	case o.Clock.UpdatedAt.IsZero():
		return fmt.Errorf("%w: zero updated_at", ErrMalformedOp)
	case strings.TrimSpace(o.Clock.DeviceID) == "":
		return fmt.Errorf("%w: empty clock device_id", ErrMalformedOp)
	}
	return nil
}

// ComputeID derives the content-addressed op id from the op's immutable
// fields. Two devices constructing the same logical op get the same id.
func (o *Op) ComputeID() string {
	payload := sha256.Sum256(o.Payload)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%t|%d|%d|%s",
		o.EntityType, o.EntityID, o.Project, hex.EncodeToString(payload[:]),
		o.Tombstone, o.Clock.Rev, o.Clock.UpdatedAt.UTC().UnixNano(), o.Clock.DeviceID)
	return hex.EncodeToString(h.Sum(nil))
}
