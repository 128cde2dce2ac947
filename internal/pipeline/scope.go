package pipeline

// Resource kinds reported to a ResourceTracker.
const (
	ResourceSurface   = "surface"
	ResourceMedia     = "media"
	ResourceSource    = "source"
	ResourceFrame     = "frame"
	ResourceInference = "inference"
)

// ResourceTracker observes scoped acquisitions. Every Acquire is matched by
// exactly one Release of the same kind.
type ResourceTracker interface {
	Acquire(kind string)
	Release(kind string)
}

type nopTracker struct{}

func (nopTracker) Acquire(string) {}
func (nopTracker) Release(string) {}

type held struct {
	kind    string
	release func()
}

// scope releases what it holds in reverse acquisition order.
type scope struct {
	tracker ResourceTracker
	stack   []held
}

func newScope(t ResourceTracker) *scope {
	return &scope{tracker: t}
}

func (s *scope) acquire(kind string, release func()) {
	s.tracker.Acquire(kind)
	s.stack = append(s.stack, held{kind: kind, release: release})
}

// close is safe to call more than once.
func (s *scope) close() {
	for i := len(s.stack) - 1; i >= 0; i-- {
		h := s.stack[i]
		if h.release != nil {
			h.release()
		}
		s.tracker.Release(h.kind)
	}
	s.stack = s.stack[:0]
}
