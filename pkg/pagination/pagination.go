// Package pagination normalizes limit/offset paging for list endpoints.
package pagination

import "fmt"

const (
	// DefaultLimit is the page size when a limit is not provided.
	DefaultLimit = 25
	// MaxLimit caps how many rows one page may return.
	MaxLimit = 100
	// MaxOffset bounds how deep a client may page.
	MaxOffset = 1_000_000
)

// Params holds paging inputs from controllers or services.
type Params struct {
	Limit  int
	Offset int
}

// NormalizeLimit enforces the default and maximum limits.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Normalize returns p with its limit clamped. A negative or oversized offset
// is an error rather than being silently rewritten.
func (p Params) Normalize() (Params, error) {
	if p.Offset < 0 {
		return Params{}, fmt.Errorf("offset must not be negative")
	}
	if p.Offset > MaxOffset {
		return Params{}, fmt.Errorf("offset must not exceed %d", MaxOffset)
	}
	return Params{Limit: NormalizeLimit(p.Limit), Offset: p.Offset}, nil
}

// HasMore reports whether rows exist past the current page.
func (p Params) HasMore(total int64) bool {
	return int64(p.Offset+p.Limit) < total
}
