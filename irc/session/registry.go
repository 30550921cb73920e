package session

import (
	"sync"
	"sync/atomic"
)

// Registry tracks live sessions by connection id
type Registry struct {
	sessions sync.Map // map[string]Session
	count    atomic.Int64
}

// NewRegistry creates an empty session registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s. It returns false if the id is already present.
func (r *Registry) Add(s Session) bool {
	if _, loaded := r.sessions.LoadOrStore(s.ID(), s); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

// Remove unregisters the session with the given id
func (r *Registry) Remove(id string) bool {
	if _, loaded := r.sessions.LoadAndDelete(id); !loaded {
		return false
	}
	r.count.Add(-1)
	return true
}

// Get looks up a session by id
func (r *Registry) Get(id string) (Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(Session), true
}

// Range calls fn for each session until fn returns false
func (r *Registry) Range(fn func(Session) bool) {
	r.sessions.Range(func(_, v interface{}) bool {
		return fn(v.(Session))
	})
}

// Links returns every server-link session
func (r *Registry) Links() []Session {
	var links []Session
	r.Range(func(s Session) bool {
		if s.Kind() == KindLink {
			links = append(links, s)
		}
		return true
	})
	return links
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// CloseAll closes every session concurrently and waits for all of them
func (r *Registry) CloseAll(reason string) {
	var wg sync.WaitGroup
	r.Range(func(s Session) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close(reason)
		}()
		return true
	})
	wg.Wait()
}
