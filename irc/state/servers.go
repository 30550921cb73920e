package state

import (
	"sort"
	"time"

	"github.com/presbrey/ircd/irc"
)

// TryRegisterRemoteServer adds a server to the topology. Roots (empty
// ParentSID) are directly linked peers. A child must name a known parent
// carried by the same link connection. Duplicate sids or names fail.
func (r *Registry) TryRegisterRemoteServer(srv RemoteServer) bool {
	if srv.SID == "" || srv.Name == "" || srv.ConnID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[srv.SID]; exists {
		return false
	}
	folded := irc.Casefold(srv.Name)
	if _, exists := r.serverNames[folded]; exists {
		return false
	}
	if srv.ParentSID != "" {
		parent, ok := r.servers[srv.ParentSID]
		if !ok || parent.ConnID != srv.ConnID {
			return false
		}
		if srv.Hops == 0 {
			srv.Hops = parent.Hops + 1
		}
		if r.children[srv.ParentSID] == nil {
			r.children[srv.ParentSID] = make(map[string]struct{})
		}
		r.children[srv.ParentSID][srv.SID] = struct{}{}
	} else if srv.Hops == 0 {
		srv.Hops = 1
	}
	if srv.LinkedAt.IsZero() {
		srv.LinkedAt = time.Now()
	}

	stored := srv
	r.servers[srv.SID] = &stored
	r.serverNames[folded] = srv.SID
	return true
}

// GetRemoteServer looks up a server by sid
func (r *Registry) GetRemoteServer(sid string) (RemoteServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.servers[sid]
	if !ok {
		return RemoteServer{}, false
	}
	return *s, true
}

// GetRemoteServerByName looks up a server by name, case-insensitively
func (r *Registry) GetRemoteServerByName(name string) (RemoteServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sid, ok := r.serverNames[irc.Casefold(name)]
	if !ok {
		return RemoteServer{}, false
	}
	return *r.servers[sid], true
}

// RemoteServers returns every known server sorted by sid
func (r *Registry) RemoteServers() []RemoteServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RemoteServer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// ServerCount returns the number of known remote servers
func (r *Registry) ServerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// RemoveRemoteServerByConnection removes only the rows owned by connID. It
// does not cascade to remote users.
func (r *Registry) RemoveRemoteServerByConnection(connID string) []RemoteServer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []RemoteServer
	for sid, s := range r.servers {
		if s.ConnID == connID {
			removed = append(removed, *s)
			r.dropServerLocked(sid)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].SID < removed[j].SID })
	return removed
}

// RemoveRemoteServerTreeByConnection removes every server rooted under
// connID's link, walking the parent to children index breadth first, and
// then removes every remote user whose RemoteSID is in the removed set.
// Servers are returned in BFS order.
func (r *Registry) RemoveRemoteServerTreeByConnection(connID string) ([]RemoteServer, []Removed) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var queue []string
	for sid, s := range r.servers {
		if s.ConnID != connID {
			continue
		}
		if parent, ok := r.servers[s.ParentSID]; s.ParentSID == "" || !ok || parent.ConnID != connID {
			queue = append(queue, sid)
		}
	}
	sort.Strings(queue)

	return r.removeSubtreesLocked(queue)
}

// RemoveRemoteServerTree removes the server sid and its subtree, as an SQUIT
// for a server behind a link does
func (r *Registry) RemoveRemoteServerTree(sid string) ([]RemoteServer, []Removed) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[sid]; !ok {
		return nil, nil
	}
	return r.removeSubtreesLocked([]string{sid})
}

func (r *Registry) removeSubtreesLocked(queue []string) ([]RemoteServer, []Removed) {
	var servers []RemoteServer
	gone := make(map[string]struct{})
	for len(queue) > 0 {
		sid := queue[0]
		queue = queue[1:]
		if _, seen := gone[sid]; seen {
			continue
		}
		s, ok := r.servers[sid]
		if !ok {
			continue
		}
		gone[sid] = struct{}{}
		servers = append(servers, *s)

		kids := make([]string, 0, len(r.children[sid]))
		for child := range r.children[sid] {
			kids = append(kids, child)
		}
		sort.Strings(kids)
		queue = append(queue, kids...)
	}
	for _, s := range servers {
		r.dropServerLocked(s.SID)
	}

	var users []Removed
	for _, u := range r.users {
		if !u.IsRemote {
			continue
		}
		if _, hit := gone[u.RemoteSID]; !hit {
			continue
		}
		record := u.clone()
		channels := r.removeUserLocked(u)
		users = append(users, Removed{User: record, Channels: channels})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].User.ConnID < users[j].User.ConnID })
	return servers, users
}

func (r *Registry) dropServerLocked(sid string) {
	s, ok := r.servers[sid]
	if !ok {
		return
	}
	delete(r.servers, sid)
	delete(r.serverNames, irc.Casefold(s.Name))
	if s.ParentSID != "" {
		if kids := r.children[s.ParentSID]; kids != nil {
			delete(kids, sid)
			if len(kids) == 0 {
				delete(r.children, s.ParentSID)
			}
		}
	}
	delete(r.children, sid)
}
