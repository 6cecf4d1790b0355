package offload

import "sync"

// Stack is the nesting of offloading instances active on one device. An
// offload pushes its instance when it starts mapping and pops it when it
// finishes, so maps of enclosing offloads can be inherited.
type Stack struct {
	mu    sync.Mutex
	items []*OffloadingInstance
}

func (s *Stack) push(inst *OffloadingInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, inst)
}

// pop removes inst, which is normally the top.
func (s *Stack) pop(inst *OffloadingInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i] == inst {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Len is the current nesting depth.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// ancestors returns the instances below skip, innermost first.
func (s *Stack) ancestors(skip *OffloadingInstance) []*OffloadingInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OffloadingInstance, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i] != skip {
			out = append(out, s.items[i])
		}
	}
	return out
}
