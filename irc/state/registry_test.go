package state_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/presbrey/ircd/irc"
	"github.com/presbrey/ircd/irc/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addUsers(t *testing.T, r *state.Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.True(t, r.TryAddUser(state.User{ConnID: id, RemoteIP: "127.0.0.1"}))
	}
}

func TestTryAddUser(t *testing.T) {
	r := state.New()

	assert.True(t, r.TryAddUser(state.User{ConnID: "c1", Nick: "ignored"}))
	assert.False(t, r.TryAddUser(state.User{ConnID: "c1"}), "duplicate connection id")

	u, ok := r.GetUser("c1")
	require.True(t, ok)
	assert.Empty(t, u.Nick, "nick is bound only through TrySetNick")

	assert.True(t, r.TryAddUser(state.User{ConnID: "c2", UID: "001AAAAAA"}))
	assert.False(t, r.TryAddUser(state.User{ConnID: "c3", UID: "001AAAAAA"}), "duplicate uid")

	byUID, ok := r.GetUserByUID("001AAAAAA")
	require.True(t, ok)
	assert.Equal(t, "c2", byUID.ConnID)
}

func TestTrySetNick(t *testing.T) {
	r := state.New()
	addUsers(t, r, "c1", "c2")

	assert.True(t, r.TrySetNick("c1", "Alice"))
	assert.False(t, r.TrySetNick("c2", "alice"), "case-insensitive collision")
	assert.False(t, r.TrySetNick("c2", "ALICE"))

	u, _ := r.GetUser("c2")
	assert.Empty(t, u.Nick, "failed TrySetNick has no side effects")

	// Changing case of one's own nick is allowed
	assert.True(t, r.TrySetNick("c1", "ALICE"))
	u, _ = r.GetUser("c1")
	assert.Equal(t, "ALICE", u.Nick)

	// Renaming releases the old binding
	assert.True(t, r.TrySetNick("c1", "bob"))
	assert.True(t, r.TrySetNick("c2", "alice"))

	got, ok := r.GetUserByNick("BOB")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ConnID)

	assert.False(t, r.TrySetNick("missing", "x"))
	assert.False(t, r.TrySetNick("c1", ""))
}

func TestTrySetNickRFC1459Casemapping(t *testing.T) {
	r := state.New()
	addUsers(t, r, "c1", "c2")

	require.True(t, r.TrySetNick("c1", "[foo]"))
	assert.False(t, r.TrySetNick("c2", "{FOO}"))
}

func TestTrySetNickConcurrent(t *testing.T) {
	r := state.New()
	const conns = 64
	for i := 0; i < conns; i++ {
		require.True(t, r.TryAddUser(state.User{ConnID: fmt.Sprintf("c%d", i)}))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := map[string][]string{}
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			for _, nick := range []string{"Nick", "nick", "NICK", "other", "Other"} {
				if r.TrySetNick(id, nick) {
					mu.Lock()
					winners[nick] = append(winners[nick], id)
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	// Every nickname is held by at most one connection, and the index agrees
	// with the user records.
	holders := map[string]string{}
	for _, u := range r.Users() {
		if u.Nick == "" {
			continue
		}
		folded := irc.Casefold(u.Nick)
		prev, dup := holders[folded]
		assert.False(t, dup, "%q held by %s and %s", u.Nick, prev, u.ConnID)
		holders[folded] = u.ConnID

		idx, ok := r.GetUserByNick(u.Nick)
		require.True(t, ok)
		assert.Equal(t, u.ConnID, idx.ConnID)
	}

	assert.NotEmpty(t, winners["Nick"])
	assert.NotEmpty(t, winners["other"])
}

func TestRemoveUser(t *testing.T) {
	r := state.New()
	addUsers(t, r, "c1", "c2")
	require.True(t, r.TrySetNick("c1", "alice"))
	require.True(t, r.TrySetNick("c2", "bob"))
	require.True(t, r.TryJoinChannel("c1", "alice", "#solo"))
	require.True(t, r.TryJoinChannel("c1", "alice", "#shared"))
	require.True(t, r.TryJoinChannel("c2", "bob", "#shared"))

	u, channels, ok := r.RemoveUser("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", u.Nick)
	require.Len(t, channels, 2)
	assert.Equal(t, "#shared", channels[0].Name())
	assert.Equal(t, "#solo", channels[1].Name())

	_, exists := r.GetChannel("#solo")
	assert.False(t, exists, "empty channel is deleted")
	shared, exists := r.GetChannel("#shared")
	require.True(t, exists)
	assert.False(t, shared.HasMember("c1"))
	assert.Equal(t, 1, shared.MemberCount())

	_, ok = r.GetUserByNick("alice")
	assert.False(t, ok, "nick binding released")
	assert.True(t, r.TrySetNick("c2", "alice"))

	_, _, ok = r.RemoveUser("c1")
	assert.False(t, ok, "RemoveUser is idempotent")
}

func TestUpdateUserKeepsIndexedFields(t *testing.T) {
	r := state.New()
	addUsers(t, r, "c1")
	require.True(t, r.TrySetNick("c1", "alice"))

	ok := r.UpdateUser("c1", func(u *state.User) {
		u.Username = "al"
		u.Registered = true
		u.Nick = "mallory"
		u.UID = "X"
	})
	require.True(t, ok)

	u, _ := r.GetUser("c1")
	assert.Equal(t, "al", u.Username)
	assert.True(t, u.Registered)
	assert.Equal(t, "alice", u.Nick)
	assert.Empty(t, u.UID)

	assert.True(t, r.SetUID("c1", "001AAAAAA"))
	assert.False(t, r.SetUID("c1", "001AAAAAB"), "uid is set once")
	byUID, ok := r.GetUserByUID("001AAAAAA")
	require.True(t, ok)
	assert.Equal(t, "alice", byUID.Nick)
}

func TestCounts(t *testing.T) {
	r := state.New()
	addUsers(t, r, "c1", "c2")
	require.True(t, r.TryAddUser(state.User{ConnID: "link1", IsLink: true}))
	require.True(t, r.TryJoinChannel("c1", "a", "#x"))

	assert.Equal(t, 2, r.UserCount())
	assert.Equal(t, 1, r.ChannelCount())
	assert.Len(t, r.Users(), 3)
}
