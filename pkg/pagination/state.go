package pagination

// Info is the page metadata reported by the query source.
type Info struct {
	Pages int  `json:"pages"`
	Count int  `json:"count"`
	Next  *int `json:"next"`
	Prev  *int `json:"prev"`
}

// Page is one page of results together with its Info.
type Page[T any] struct {
	Items []T `json:"results"`
	Info  Info `json:"info"`
}

// State is the current page index and the known page count.
// Total is 0 until the first successful response.
type State struct {
	Page  int
	Total int
}

// NewState returns the initial state: page 1, total unknown.
func NewState() State {
	return State{Page: 1}
}

// CanPrev reports whether Prev would change the page.
func (s State) CanPrev() bool {
	return s.Page > 1
}

// CanNext reports whether Next would change the page.
func (s State) CanNext() bool {
	return s.Total == 0 || s.Page < s.Total
}

// Prev returns the state one page back, or s unchanged at page 1.
func (s State) Prev() State {
	if !s.CanPrev() {
		return s
	}
	s.Page--
	return s
}

// Next returns the state one page forward, or s unchanged at the last page.
func (s State) Next() State {
	if !s.CanNext() {
		return s
	}
	s.Page++
	return s
}

// Clamp records total and pulls Page back into [1, total].
// A total of 0 leaves the page count unknown.
func (s State) Clamp(total int) State {
	if total < 0 {
		total = 0
	}
	s.Total = total
	if s.Page < 1 {
		s.Page = 1
	}
	if s.Total > 0 && s.Page > s.Total {
		s.Page = s.Total
	}
	return s
}

// Goto returns the state at page p, clamped to the known bounds.
func (s State) Goto(p int) State {
	s.Page = p
	return s.Clamp(s.Total)
}
