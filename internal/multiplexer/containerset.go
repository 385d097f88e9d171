package multiplexer

import "github.com/web-casa/dockwatch/internal/model"

// ContainerSet keeps one entry per container id in first-seen order.
// The zero value is ready to use. It is not safe for concurrent use.
type ContainerSet struct {
	order []string
	byID  map[string]model.Container
}

// Reset replaces the contents with a snapshot.
func (s *ContainerSet) Reset(containers []model.Container) {
	s.order = s.order[:0]
	s.byID = make(map[string]model.Container, len(containers))
	for _, c := range containers {
		s.Apply(c)
	}
}

// Apply merges one update: an entry in state deleted is removed, a known id
// is replaced in place and an unknown id is appended.
func (s *ContainerSet) Apply(c model.Container) {
	if s.byID == nil {
		s.byID = make(map[string]model.Container)
	}
	_, known := s.byID[c.ID]
	if c.State == model.StateDeleted {
		if known {
			delete(s.byID, c.ID)
			for i, id := range s.order {
				if id == c.ID {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		}
		return
	}
	if !known {
		s.order = append(s.order, c.ID)
	}
	s.byID[c.ID] = c
}

// Get returns the container with id.
func (s *ContainerSet) Get(id string) (model.Container, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Len returns the number of containers.
func (s *ContainerSet) Len() int {
	return len(s.order)
}

// List returns a copy of the containers in order.
func (s *ContainerSet) List() []model.Container {
	out := make([]model.Container, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
