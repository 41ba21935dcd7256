package shared

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Page describes a bounded window over a listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the window to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Window returns the [start, end) slice bounds of the page over total items.
func (p Page) Window(total int) (int, int) {
	p = p.Normalize()
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return start, end
}
