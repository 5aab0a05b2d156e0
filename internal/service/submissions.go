package service

import "sync"

// submissions tracks, per service id, the workflow ids submitted
// against it. This is a facade-level concern distinct from the
// Workflow Registry: the registry indexes workflow state, not which
// service a workflow belongs to, so GET /services/{id}/workflow/ is
// served from here.
type submissions struct {
	mu  sync.RWMutex
	ids map[string][]string
}

func newSubmissions() *submissions {
	return &submissions{ids: make(map[string][]string)}
}

func (s *submissions) record(serviceID, workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[serviceID] = append(s.ids[serviceID], workflowID)
}

func (s *submissions) listFor(serviceID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.ids[serviceID]))
	copy(out, s.ids[serviceID])
	return out
}

func (s *submissions) belongsTo(serviceID, workflowID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.ids[serviceID] {
		if id == workflowID {
			return true
		}
	}
	return false
}
