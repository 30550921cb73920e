package state_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/presbrey/ircd/irc/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinPart(t *testing.T) {
	r := state.New()
	addUsers(t, r, "c1", "c2")

	assert.True(t, r.TryJoinChannel("c1", "alice", "#Go"))
	assert.False(t, r.TryJoinChannel("c1", "alice", "#go"), "already a member")
	assert.True(t, r.TryJoinChannel("c2", "bob", "#GO"))
	assert.False(t, r.TryJoinChannel("ghost", "x", "#go"), "unknown connection")

	ch, ok := r.GetChannel("#go")
	require.True(t, ok)
	assert.Equal(t, "#Go", ch.Name())

	owner, _ := ch.Member("c1")
	assert.Equal(t, state.PrivOwner, owner.Priv, "first joiner owns the channel")
	other, _ := ch.Member("c2")
	assert.Equal(t, state.PrivNone, other.Priv)

	parted, partedCh := r.TryPartChannel("c1", "#go")
	assert.True(t, parted)
	assert.Same(t, ch, partedCh)

	parted, _ = r.TryPartChannel("c1", "#go")
	assert.False(t, parted)

	parted, partedCh = r.TryPartChannel("c2", "#go")
	assert.True(t, parted)
	assert.Equal(t, 0, partedCh.MemberCount())
	_, ok = r.GetChannel("#go")
	assert.False(t, ok, "last part deletes the channel")

	parted, partedCh = r.TryPartChannel("c2", "#nowhere")
	assert.False(t, parted)
	assert.Nil(t, partedCh)
}

func TestMembershipIndexConsistency(t *testing.T) {
	r := state.New()
	const conns = 16
	names := []string{"#a", "#b", "#c", "#d"}
	for i := 0; i < conns; i++ {
		require.True(t, r.TryAddUser(state.User{ConnID: fmt.Sprintf("c%d", i)}))
	}

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			nick := id
			for round := 0; round < 50; round++ {
				name := names[(i+round)%len(names)]
				if round%3 == 0 {
					r.TryPartChannel(id, name)
				} else {
					r.TryJoinChannel(id, nick, name)
				}
				if round%7 == 0 {
					next := fmt.Sprintf("n%d_%d", i, round)
					if r.TrySetNick(id, next) {
						nick = next
					}
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < conns; i++ {
		id := fmt.Sprintf("c%d", i)
		u, _ := r.GetUser(id)
		joined := map[string]bool{}
		for _, ch := range r.UserChannels(id) {
			joined[ch.Name()] = true
			m, ok := ch.Member(id)
			require.True(t, ok, "%s lists %s but is not a member", id, ch.Name())
			if u.Nick != "" {
				assert.Equal(t, u.Nick, m.Nick, "member nick snapshot matches user")
			}
		}
		for _, ch := range r.Channels() {
			assert.Equal(t, joined[ch.Name()], ch.HasMember(id))
			assert.Equal(t, ch.HasMember(id), r.IsJoined(id, ch.Name()))
		}
	}
	for _, ch := range r.Channels() {
		assert.NotZero(t, ch.MemberCount(), "no empty channels survive")
	}
}

func TestNickChangeUpdatesMembers(t *testing.T) {
	r := state.New()
	addUsers(t, r, "c1")
	require.True(t, r.TrySetNick("c1", "old"))
	require.True(t, r.TryJoinChannel("c1", "old", "#a"))
	require.True(t, r.TryJoinChannel("c1", "old", "#b"))

	require.True(t, r.TrySetNick("c1", "new"))
	touched := r.UpdateNickInUserChannels("c1", "new")
	require.Len(t, touched, 2)
	for _, ch := range touched {
		m, ok := ch.Member("c1")
		require.True(t, ok)
		assert.Equal(t, "new", m.Nick)
	}
}

func TestJoinChannelPolicy(t *testing.T) {
	r := state.New()
	addUsers(t, r, "op", "u1", "u2")
	require.True(t, r.TrySetNick("op", "op"))
	require.True(t, r.TrySetNick("u1", "u1"))
	require.True(t, r.TrySetNick("u2", "u2"))
	require.True(t, r.TryJoinChannel("op", "op", "#p"))

	_, err := r.TryApplyChannelModes("op", "#p", []state.ModeChange{
		{Mode: 'i', Enable: true},
	})
	require.NoError(t, err)

	_, _, err = r.JoinChannel("u1", "u1", "#p", state.JoinOptions{Hostmask: "u1!u@h"})
	assert.ErrorIs(t, err, state.ErrInviteOnly)

	_, err = r.TryInvite("op", "#p", "u1")
	require.NoError(t, err)
	_, created, err := r.JoinChannel("u1", "u1", "#p", state.JoinOptions{Hostmask: "u1!u@h"})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = r.TryApplyChannelModes("op", "#p", []state.ModeChange{
		{Mode: 'i', Enable: false},
		{Mode: 'k', Enable: true, Param: "secret"},
		{Mode: 'l', Enable: true, Param: "3"},
		{Mode: 'b', Enable: true, Param: "bad!*@*"},
	})
	require.NoError(t, err)

	_, _, err = r.JoinChannel("u2", "u2", "#p", state.JoinOptions{Hostmask: "u2!u@h"})
	assert.ErrorIs(t, err, state.ErrBadChannelKey)

	_, _, err = r.JoinChannel("u2", "bad", "#p", state.JoinOptions{Key: "secret", Hostmask: "bad!u@h"})
	assert.ErrorIs(t, err, state.ErrBannedFromChan)

	_, _, err = r.JoinChannel("u2", "u2", "#p", state.JoinOptions{Key: "secret", Hostmask: "u2!u@h"})
	require.NoError(t, err)

	addUsers(t, r, "u3")
	_, _, err = r.JoinChannel("u3", "u3", "#p", state.JoinOptions{Key: "secret", Hostmask: "u3!u@h"})
	assert.ErrorIs(t, err, state.ErrChannelIsFull)

	ch, _ := r.GetChannel("#p")
	assert.Equal(t, "+ntkl secret 3", ch.ModeString(true))
	assert.Equal(t, "+ntkl 3", ch.ModeString(false))
}

func TestChannelPrivileges(t *testing.T) {
	r := state.New()
	addUsers(t, r, "owner", "op", "half", "user")
	for _, id := range []string{"owner", "op", "half", "user"} {
		require.True(t, r.TrySetNick(id, id))
	}
	require.True(t, r.TryJoinChannel("owner", "owner", "#c"))
	for _, id := range []string{"op", "half", "user"} {
		require.True(t, r.TryJoinChannel(id, id, "#c"))
	}

	changed, err := r.TrySetChannelPrivilege("owner", "#c", "op", state.PrivOp, true)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.TrySetChannelPrivilege("owner", "#c", "half", state.PrivHalfop, true)
	require.NoError(t, err)
	assert.True(t, changed)

	// Granting the same level again changes nothing
	changed, err = r.TrySetChannelPrivilege("owner", "#c", "op", state.PrivOp, true)
	require.NoError(t, err)
	assert.False(t, changed)

	// A member without privileges cannot change anything
	_, err = r.TrySetChannelPrivilege("user", "#c", "user", state.PrivVoice, true)
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)

	// Enabling above one's own level is rejected
	_, err = r.TrySetChannelPrivilege("half", "#c", "user", state.PrivOp, true)
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)
	_, err = r.TrySetChannelPrivilege("op", "#c", "user", state.PrivAdmin, true)
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)

	// At or below one's own level is allowed
	changed, err = r.TrySetChannelPrivilege("half", "#c", "user", state.PrivVoice, true)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.TrySetChannelPrivilege("op", "#c", "user", state.PrivOp, true)
	require.NoError(t, err)
	assert.True(t, changed)

	// Disabling a target ranked above the actor is rejected
	_, err = r.TrySetChannelPrivilege("half", "#c", "op", state.PrivOp, false)
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)

	// Disabling a level the target does not hold changes nothing
	changed, err = r.TrySetChannelPrivilege("owner", "#c", "op", state.PrivVoice, false)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = r.TrySetChannelPrivilege("owner", "#c", "op", state.PrivOp, false)
	require.NoError(t, err)
	assert.True(t, changed)
	ch, _ := r.GetChannel("#c")
	m, _ := ch.Member("op")
	assert.Equal(t, state.PrivNone, m.Priv)

	_, err = r.TrySetChannelPrivilege("owner", "#c", "nobody", state.PrivOp, true)
	assert.ErrorIs(t, err, state.ErrNoSuchNick)
	addUsers(t, r, "outside")
	require.True(t, r.TrySetNick("outside", "outside"))
	_, err = r.TrySetChannelPrivilege("owner", "#c", "outside", state.PrivOp, true)
	assert.ErrorIs(t, err, state.ErrUserNotInChannel)
	_, err = r.TrySetChannelPrivilege("outside", "#c", "user", state.PrivOp, true)
	assert.ErrorIs(t, err, state.ErrNotOnChannel)
	_, err = r.TrySetChannelPrivilege("owner", "#none", "user", state.PrivOp, true)
	assert.ErrorIs(t, err, state.ErrNoSuchChannel)
}

func TestTryApplyChannelModes(t *testing.T) {
	r := state.New()
	addUsers(t, r, "owner", "half", "user")
	for _, id := range []string{"owner", "half", "user"} {
		require.True(t, r.TrySetNick(id, id))
	}
	require.True(t, r.TryJoinChannel("owner", "owner", "#m"))
	require.True(t, r.TryJoinChannel("half", "half", "#m"))
	require.True(t, r.TryJoinChannel("user", "user", "#m"))
	_, err := r.TrySetChannelPrivilege("owner", "#m", "half", state.PrivHalfop, true)
	require.NoError(t, err)

	// Halfop may manage lists but not flags
	applied, err := r.TryApplyChannelModes("half", "#m", []state.ModeChange{{Mode: 'b', Enable: true, Param: "x!*@*"}})
	require.NoError(t, err)
	assert.Len(t, applied, 1)

	_, err = r.TryApplyChannelModes("half", "#m", []state.ModeChange{{Mode: 'm', Enable: true}})
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)

	// A rejected change leaves the whole batch unapplied
	_, err = r.TryApplyChannelModes("half", "#m", []state.ModeChange{
		{Mode: 'b', Enable: true, Param: "y!*@*"},
		{Mode: 's', Enable: true},
	})
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)
	ch, _ := r.GetChannel("#m")
	assert.Equal(t, []string{"x!*@*"}, ch.Bans())

	_, err = r.TryApplyChannelModes("user", "#m", []state.ModeChange{{Mode: 'b', Enable: true, Param: "z!*@*"}})
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)

	_, err = r.TryApplyChannelModes("owner", "#m", []state.ModeChange{{Mode: 'X', Enable: true}})
	assert.ErrorIs(t, err, state.ErrUnknownMode)

	applied, err = r.TryApplyChannelModes("owner", "#m", []state.ModeChange{
		{Mode: 'n', Enable: true}, // already set
		{Mode: 'm', Enable: true},
		{Mode: 'v', Enable: true, Param: "user"},
	})
	require.NoError(t, err)
	assert.Equal(t, []state.ModeChange{
		{Mode: 'm', Enable: true},
		{Mode: 'v', Enable: true, Param: "user"},
	}, applied)
	assert.True(t, ch.Modes().Has(state.ChanModerated))
	m, _ := ch.Member("user")
	assert.Equal(t, state.PrivVoice, m.Priv)
}

func TestTopicAndKick(t *testing.T) {
	r := state.New()
	addUsers(t, r, "owner", "user")
	require.True(t, r.TrySetNick("owner", "owner"))
	require.True(t, r.TrySetNick("user", "user"))
	require.True(t, r.TryJoinChannel("owner", "owner", "#t"))
	require.True(t, r.TryJoinChannel("user", "user", "#t"))

	_, err := r.TrySetTopic("user", "#t", "nope")
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)

	ch, err := r.TrySetTopic("owner", "#t", "hello")
	require.NoError(t, err)
	topic, by, at := ch.Topic()
	assert.Equal(t, "hello", topic)
	assert.Contains(t, by, "owner")
	assert.False(t, at.IsZero())

	_, _, err = r.TryKick("user", "#t", "owner")
	assert.ErrorIs(t, err, state.ErrChanOpPrivsNeeded)

	victim, _, err := r.TryKick("owner", "#t", "user")
	require.NoError(t, err)
	assert.Equal(t, "user", victim.ConnID)
	assert.False(t, r.IsJoined("user", "#t"))
	assert.False(t, ch.HasMember("user"))
}
