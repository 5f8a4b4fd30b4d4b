package entity

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewOrderID mints a new Order.id — a ULID string, per DESIGN.md's Open
// Question resolution: only the root aggregate needs a globally-safe external
// ID, so it alone gets the newer generation's ULID instead of a bigserial.
func NewOrderID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NormalizeOrderNumber enforces spec.md §9's order_number invariant: always
// stored with a leading '#', always compared after normalisation.
func NormalizeOrderNumber(name string) string {
	if strings.HasPrefix(name, "#") {
		return name
	}
	return "#" + name
}
