// Package pagination provides page/limit normalization for history endpoints.
package pagination

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a normalized page request. Pages are 1-based.
type Params struct {
	Page  int
	Limit int
}

// Normalize clamps page and limit to sane bounds.
func Normalize(page, limit int) Params {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return Params{Page: page, Limit: limit}
}

// Offset returns the row offset for the normalized page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}
