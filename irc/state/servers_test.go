package state_test

import (
	"testing"

	"github.com/presbrey/ircd/irc/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sids(servers []state.RemoteServer) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.SID)
	}
	return out
}

func TestRegisterRemoteServer(t *testing.T) {
	r := state.New()

	assert.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "a.example", SID: "00A", ConnID: "K"}))
	assert.False(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "other", SID: "00A", ConnID: "K"}), "duplicate sid")
	assert.False(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "A.EXAMPLE", SID: "00Z", ConnID: "K"}), "duplicate name")
	assert.False(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "b.example", SID: "00B", ConnID: "K", ParentSID: "404"}), "unknown parent")
	assert.False(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "b.example", SID: "00B", ConnID: "J", ParentSID: "00A"}), "parent on another link")
	assert.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "b.example", SID: "00B", ConnID: "K", ParentSID: "00A"}))

	b, ok := r.GetRemoteServerByName("B.example")
	require.True(t, ok)
	assert.Equal(t, 2, b.Hops)
	assert.Equal(t, 2, r.ServerCount())
	assert.Equal(t, []string{"00A", "00B"}, sids(r.RemoteServers()))
}

func TestRemoveRemoteServerTreeCascade(t *testing.T) {
	r := state.New()

	// A -> B -> C over link K, and an unrelated D over link L
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "a", SID: "00A", ConnID: "K"}))
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "b", SID: "00B", ConnID: "K", ParentSID: "00A"}))
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "c", SID: "00C", ConnID: "K", ParentSID: "00B"}))
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "d", SID: "00D", ConnID: "L"}))

	remote := []state.User{
		{ConnID: "r:00AAAAAAA", Nick: "onA", UID: "00AAAAAAA", RemoteSID: "00A"},
		{ConnID: "r:00BAAAAAA", Nick: "onB", UID: "00BAAAAAA", RemoteSID: "00B"},
		{ConnID: "r:00CAAAAAA", Nick: "onC", UID: "00CAAAAAA", RemoteSID: "00C"},
		{ConnID: "r:00DAAAAAA", Nick: "onD", UID: "00DAAAAAA", RemoteSID: "00D"},
	}
	for _, u := range remote {
		require.True(t, r.TryAddRemoteUser(u))
	}
	addUsers(t, r, "local")
	require.True(t, r.TrySetNick("local", "local"))

	require.True(t, r.TryJoinChannel("r:00CAAAAAA", "onC", "#mixed"))
	require.True(t, r.TryJoinChannel("local", "local", "#mixed"))
	require.True(t, r.TryJoinChannel("r:00BAAAAAA", "onB", "#remote-only"))

	servers, users := r.RemoveRemoteServerTreeByConnection("K")
	assert.Equal(t, []string{"00A", "00B", "00C"}, sids(servers), "breadth-first order")

	require.Len(t, users, 3)
	gone := map[string]bool{}
	for _, rm := range users {
		gone[rm.User.Nick] = true
	}
	assert.Equal(t, map[string]bool{"onA": true, "onB": true, "onC": true}, gone)

	for _, rm := range users {
		if rm.User.Nick == "onC" {
			require.Len(t, rm.Channels, 1)
			assert.Equal(t, "#mixed", rm.Channels[0].Name())
		}
	}

	for _, nick := range []string{"onA", "onB", "onC"} {
		_, ok := r.GetUserByNick(nick)
		assert.False(t, ok, nick)
	}
	_, ok := r.GetUserByNick("onD")
	assert.True(t, ok, "users behind other links survive")
	_, ok = r.GetUserByNick("local")
	assert.True(t, ok)

	_, ok = r.GetChannel("#remote-only")
	assert.False(t, ok)
	mixed, ok := r.GetChannel("#mixed")
	require.True(t, ok)
	assert.Equal(t, 1, mixed.MemberCount())

	assert.Equal(t, []string{"00D"}, sids(r.RemoteServers()))

	servers, users = r.RemoveRemoteServerTreeByConnection("K")
	assert.Empty(t, servers)
	assert.Empty(t, users)
}

func TestRemoveRemoteServerTreeBySID(t *testing.T) {
	r := state.New()
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "a", SID: "00A", ConnID: "K"}))
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "b", SID: "00B", ConnID: "K", ParentSID: "00A"}))
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "c", SID: "00C", ConnID: "K", ParentSID: "00B"}))
	require.True(t, r.TryAddRemoteUser(state.User{ConnID: "r:1", Nick: "x", UID: "00CAAAAAA", RemoteSID: "00C"}))

	servers, users := r.RemoveRemoteServerTree("00B")
	assert.Equal(t, []string{"00B", "00C"}, sids(servers))
	require.Len(t, users, 1)
	assert.Equal(t, "x", users[0].User.Nick)
	assert.Equal(t, []string{"00A"}, sids(r.RemoteServers()))

	// The surviving parent accepts a new child
	assert.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "b", SID: "00B", ConnID: "K", ParentSID: "00A"}))
}

func TestRemoveRemoteServerByConnectionIsFlat(t *testing.T) {
	r := state.New()
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "a", SID: "00A", ConnID: "K"}))
	require.True(t, r.TryRegisterRemoteServer(state.RemoteServer{Name: "b", SID: "00B", ConnID: "K", ParentSID: "00A"}))
	require.True(t, r.TryAddRemoteUser(state.User{ConnID: "r:1", Nick: "x", UID: "00BAAAAAA", RemoteSID: "00B"}))

	removed := r.RemoveRemoteServerByConnection("K")
	assert.Equal(t, []string{"00A", "00B"}, sids(removed))
	assert.Zero(t, r.ServerCount())

	_, ok := r.GetUserByNick("x")
	assert.True(t, ok, "flat removal does not cascade to users")
}

func TestTryAddRemoteUserCollision(t *testing.T) {
	r := state.New()
	addUsers(t, r, "local")
	require.True(t, r.TrySetNick("local", "taken"))

	assert.False(t, r.TryAddRemoteUser(state.User{ConnID: "r:1", Nick: "TAKEN", UID: "00AAAAAAA"}))
	_, ok := r.GetUserByUID("00AAAAAAA")
	assert.False(t, ok, "failed add leaves no uid binding")

	assert.True(t, r.TryAddRemoteUser(state.User{ConnID: "r:1", Nick: "free", UID: "00AAAAAAA"}))
	assert.False(t, r.TryAddRemoteUser(state.User{ConnID: "r:2", Nick: "free2", UID: "00AAAAAAA"}))

	u, ok := r.GetUserByNick("free")
	require.True(t, ok)
	assert.True(t, u.IsRemote)
}
