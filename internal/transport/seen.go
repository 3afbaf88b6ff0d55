package transport

const (
	seenCap    = 1000
	seenRetain = 500
)

// SeenSet remembers recently handled message ids. When it grows past its cap
// it keeps only the most recent half.
type SeenSet struct {
	order []string
	ids   map[string]struct{}
	cap   int
	keep  int
}

// NewSeenSet creates a set bounded at 1000 ids, truncated to the newest 500.
func NewSeenSet() *SeenSet {
	return &SeenSet{ids: make(map[string]struct{}), cap: seenCap, keep: seenRetain}
}

func (s *SeenSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *SeenSet) Add(id string) {
	if s.Has(id) {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) <= s.cap {
		return
	}
	drop := s.order[:len(s.order)-s.keep]
	for _, old := range drop {
		delete(s.ids, old)
	}
	s.order = append([]string(nil), s.order[len(s.order)-s.keep:]...)
}

func (s *SeenSet) Len() int { return len(s.order) }
