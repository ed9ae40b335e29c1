package conn

import "sort"

// CapabilitySet is the set of tool names the worker currently advertises.
// It is rebuilt on every (re)connect; tool names can change across worker
// versions.
type CapabilitySet struct {
	names map[string]struct{}
}

func NewCapabilitySet(names []string) *CapabilitySet {
	s := &CapabilitySet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	return s
}

func (s *CapabilitySet) Has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.names[name]
	return ok
}

// Missing returns the required names not present, in the order given.
func (s *CapabilitySet) Missing(required ...string) []string {
	var missing []string
	for _, name := range required {
		if !s.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Names returns the advertised names sorted, for stable error messages.
func (s *CapabilitySet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.names))
	for n := range s.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
