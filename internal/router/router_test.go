package router

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

func texts(msgs []*types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestRouter_OfflineDeliveryOfEncryptedMessage(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	require.True(t, g.Settings.EncryptionEnabled)

	h.disconnect("bob")
	sent := h.send("alice", g.ID, "hello")
	assert.True(t, sent.IsEncrypted)
	assert.Equal(t, "hello", sent.Text)
	assert.Equal(t, 1, h.router.Offline.Len("bob"))

	h.transport.reset()
	res := h.connect("bob", "Bob")
	require.Len(t, res.Groups, 1)
	assert.Equal(t, g.ID, res.Groups[0].ID)

	got := h.transport.received("bob", EventNewMessage)
	require.Len(t, got, 1, "queued message is replayed exactly once")
	assert.Equal(t, "hello", got[0].(*types.Message).Text)
	assert.Zero(t, h.router.Offline.Len("bob"))

	require.Equal(t, 1, h.router.Cache.Len(g.ID))
	cached := h.router.Cache.Get(g.ID, sent.ID)
	require.NotNil(t, cached)
	assert.True(t, cached.IsEncrypted)
	assert.NotEqual(t, "hello", cached.Text)

	// A second reconnect has nothing left to replay.
	h.disconnect("bob")
	h.transport.reset()
	h.connect("bob", "Bob")
	assert.Empty(t, h.transport.received("bob", EventNewMessage))
}

func TestRouter_LiveFanout(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	h.connect("carol", "Carol")

	h.send("alice", g.ID, "hi all")

	assert.Len(t, h.transport.received("alice", EventNewMessage), 1)
	assert.Len(t, h.transport.received("bob", EventNewMessage), 1)
	assert.Empty(t, h.transport.received("carol", EventNewMessage), "non-members get nothing")
	assert.Zero(t, h.router.Offline.Recipients())
}

func TestRouter_JoinCapacity(t *testing.T) {
	h := newHarness(t)
	h.connect("alice", "Alice")
	h.connect("bob", "Bob")
	h.connect("carol", "Carol")
	g := h.createGroup("alice", "pair", types.GroupSettingsPatch{MaxMembers: intPtr(2)})
	h.join("bob", g)

	_, err := h.router.JoinGroup(h.ctx, "carol", types.JoinGroupRequest{GroupID: g.ID, InviteCode: g.InviteCode})
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)

	stored, err := h.router.Groups.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, stored.MemberIDs())
}

func TestRouter_JoinByLinkReturnsHistory(t *testing.T) {
	h := newHarness(t)
	h.connect("alice", "Alice")
	h.connect("bob", "Bob")
	g := h.createGroup("alice", "team", types.GroupSettingsPatch{})
	h.clock.Advance(time.Second)
	h.send("alice", g.ID, "before bob")

	res, err := h.router.JoinGroup(h.ctx, "bob", types.JoinGroupRequest{InviteCode: g.InviteLink})
	require.NoError(t, err)
	assert.Equal(t, g.ID, res.Group.ID)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "before bob", res.Messages[0].Text)
	assert.True(t, res.Messages[1].IsSystem)

	// Joining again is accepted and does not announce twice.
	h.transport.reset()
	_, err = h.router.JoinGroup(h.ctx, "bob", types.JoinGroupRequest{GroupID: g.ID, InviteCode: g.InviteCode})
	require.NoError(t, err)
	assert.Empty(t, h.transport.received("alice", EventNewMessage))

	_, err = h.router.JoinGroup(h.ctx, "bob", types.JoinGroupRequest{GroupID: g.ID, InviteCode: "ZZZZZZ"})
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestRouter_Edit(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	m := h.send("alice", g.ID, "v1")

	err := h.router.Edit(h.ctx, "bob", types.EditMessageRequest{GroupID: g.ID, MessageID: m.ID, NewText: "hijack"})
	assert.ErrorIs(t, err, types.ErrForbidden)

	for _, text := range []string{"v2", "v3"} {
		h.clock.Advance(time.Second)
		require.NoError(t, h.router.Edit(h.ctx, "alice", types.EditMessageRequest{GroupID: g.ID, MessageID: m.ID, NewText: text}))
	}

	edits := h.transport.received("bob", EventMessageEdited)
	require.Len(t, edits, 2)
	last := edits[1].(MessageEdited)
	assert.Equal(t, "v3", last.Text)
	assert.Equal(t, 2, last.EditCount)

	msgs, err := h.router.LoadRecent(h.ctx, "bob", types.LoadMessagesRequest{GroupID: g.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "v3", msgs[0].Text)
	require.Len(t, msgs[0].EditHistory, 2)
	assert.Equal(t, "v1", msgs[0].EditHistory[0].PriorText)
	assert.Equal(t, "v2", msgs[0].EditHistory[1].PriorText)
	require.NotNil(t, msgs[0].EditedAt)

	err = h.router.Edit(h.ctx, "alice", types.EditMessageRequest{GroupID: g.ID, MessageID: "missing", NewText: "x"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRouter_SendValidation(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{AllowAttachments: boolPtr(false)})
	h.connect("carol", "Carol")

	tests := []struct {
		name string
		from string
		req  types.SendMessageRequest
		want *types.Error
	}{
		{"unknown connection", "ghost", types.SendMessageRequest{GroupID: g.ID, Text: "hi"}, types.ErrNotAuthenticated},
		{"not a member", "carol", types.SendMessageRequest{GroupID: g.ID, Text: "hi"}, types.ErrNotAMember},
		{"unknown group", "alice", types.SendMessageRequest{GroupID: "nope", Text: "hi"}, types.ErrNotFound},
		{"markup only", "alice", types.SendMessageRequest{GroupID: g.ID, Text: "<script>x</script>"}, types.ErrInvalidInput},
		{"too long", "alice", types.SendMessageRequest{GroupID: g.ID, Text: strings.Repeat("a", types.DefaultMaxMessageLength+1)}, types.ErrInvalidInput},
		{"attachments disabled", "alice", types.SendMessageRequest{
			GroupID:     g.ID,
			Text:        "see file",
			Attachments: []types.Attachment{{URL: "/uploads/a.txt", Kind: "file", OriginalName: "a.txt"}},
		}, types.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.router.Send(h.ctx, tt.from, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, h.store.MessageCount())
}

func TestRouter_SendRateLimited(t *testing.T) {
	wide := Budget{Tokens: 1000, Interval: time.Second}
	h := newHarness(t, withoutSystemMessages(), withLimits(map[Operation]Limits{
		OpMessage: {Global: wide, PerIdentity: Budget{Tokens: 2, Interval: time.Minute}},
	}))
	g := h.room(types.GroupSettingsPatch{})

	h.send("alice", g.ID, "one")
	h.send("alice", g.ID, "two")
	_, err := h.router.Send(h.ctx, "alice", types.SendMessageRequest{GroupID: g.ID, Text: "three"})
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Equal(t, 2, h.store.MessageCount())

	// Budgets are per identity.
	h.send("bob", g.ID, "mine")

	h.clock.Advance(31 * time.Second)
	h.send("alice", g.ID, "three")
}

func TestRouter_DeletePermissions(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	m := h.send("alice", g.ID, "oops")
	ref := types.MessageRef{GroupID: g.ID, MessageID: m.ID}

	assert.ErrorIs(t, h.router.Delete(h.ctx, "bob", ref), types.ErrForbidden)

	require.NoError(t, h.router.SetMemberRole(h.ctx, "alice", types.SetMemberRoleRequest{GroupID: g.ID, MemberID: "bob", Role: "moderator"}))
	require.NoError(t, h.router.Delete(h.ctx, "bob", ref))

	deleted := h.transport.received("alice", EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, MessageDeleted{MessageID: m.ID, GroupID: g.ID}, deleted[0])
	assert.Nil(t, h.router.Cache.Get(g.ID, m.ID))
	assert.Zero(t, h.store.MessageCount())

	err := h.router.Edit(h.ctx, "alice", types.EditMessageRequest{GroupID: g.ID, MessageID: m.ID, NewText: "again"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, h.router.Delete(h.ctx, "alice", ref), types.ErrNotFound)
}

func TestRouter_AdminMayDeleteAnyMessage(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	h.connect("root", "Root")
	h.join("root", g)
	m := h.send("bob", g.ID, "spam")

	require.NoError(t, h.router.Delete(h.ctx, "root", types.MessageRef{GroupID: g.ID, MessageID: m.ID}))
	assert.Zero(t, h.store.MessageCount())
}

func TestRouter_ReactIsIdempotent(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	m := h.send("alice", g.ID, "ship it")
	req := types.ReactionRequest{GroupID: g.ID, MessageID: m.ID, Emoji: "👍"}

	require.NoError(t, h.router.React(h.ctx, "bob", req))
	require.NoError(t, h.router.React(h.ctx, "bob", req))

	reacted := h.transport.received("alice", EventMessageReacted)
	require.Len(t, reacted, 1)
	assert.Equal(t, map[string][]string{"👍": {"bob"}}, reacted[0].(MessageReacted).Reactions)

	req.Emoji = "  "
	assert.ErrorIs(t, h.router.React(h.ctx, "bob", req), types.ErrInvalidInput)
}

func TestRouter_PinAndUnpin(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	m := h.send("bob", g.ID, "agenda")
	ref := types.MessageRef{GroupID: g.ID, MessageID: m.ID}

	assert.ErrorIs(t, h.router.Pin(h.ctx, "bob", ref), types.ErrForbidden)

	require.NoError(t, h.router.Pin(h.ctx, "alice", ref))
	require.NoError(t, h.router.Pin(h.ctx, "alice", ref))
	pinned := h.transport.received("bob", EventMessagePinned)
	require.Len(t, pinned, 1)
	assert.Equal(t, Actor{ID: "alice", Username: "Alice"}, pinned[0].(MessagePinned).By)

	msgs, err := h.router.LoadRecent(h.ctx, "bob", types.LoadMessagesRequest{GroupID: g.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pinned)
	assert.Equal(t, "alice", msgs[0].PinnedBy)

	require.NoError(t, h.router.Unpin(h.ctx, "alice", ref))
	assert.Len(t, h.transport.received("bob", EventMessageUnpinned), 1)
	assert.False(t, h.router.Cache.Get(g.ID, m.ID).Pinned)
}

func TestRouter_LoadRecentServesRepeatsFromCache(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	for _, text := range []string{"one", "two", "three"} {
		h.send("alice", g.ID, text)
	}
	h.router.Cache.Invalidate(g.ID)

	req := types.LoadMessagesRequest{GroupID: g.ID}
	first, err := h.router.LoadRecent(h.ctx, "bob", req)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "two", "one"}, texts(first))

	h.store.SetFailure(errors.New("store offline"))
	second, err := h.router.LoadRecent(h.ctx, "bob", req)
	require.NoError(t, err, "second page must come from cache")
	assert.Equal(t, texts(first), texts(second))

	before := first[1].CreatedAt
	_, err = h.router.LoadRecent(h.ctx, "bob", types.LoadMessagesRequest{GroupID: g.ID, Before: &before, Limit: 5})
	require.NoError(t, err)
}

func TestRouter_LoadRecentPaging(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{EncryptionEnabled: boolPtr(false)})
	for _, text := range []string{"a", "b", "c", "d"} {
		h.send("alice", g.ID, text)
	}

	page, err := h.router.LoadRecent(h.ctx, "bob", types.LoadMessagesRequest{GroupID: g.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, texts(page))

	before := page[1].CreatedAt
	page, err = h.router.LoadRecent(h.ctx, "bob", types.LoadMessagesRequest{GroupID: g.ID, Before: &before, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, texts(page))
	assert.False(t, page[0].IsEncrypted)
}

func TestRouter_Search(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	h.connect("carol", "Carol")
	h.send("alice", g.ID, "Deploy done")
	h.send("bob", g.ID, "lunch?")
	h.send("bob", g.ID, "deploy again")

	found, err := h.router.Search(h.ctx, "bob", types.SearchRequest{GroupID: g.ID, Query: "DEPLOY"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy again", "Deploy done"}, texts(found))

	byName, err := h.router.Search(h.ctx, "alice", types.SearchRequest{GroupID: g.ID, Query: "bob"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	_, err = h.router.Search(h.ctx, "bob", types.SearchRequest{GroupID: g.ID, Query: "   "})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = h.router.Search(h.ctx, "carol", types.SearchRequest{GroupID: g.ID, Query: "deploy"})
	assert.ErrorIs(t, err, types.ErrNotAMember)
}

func TestRouter_EntitiesCountAsTyped(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})

	atLimit := strings.Repeat("&", types.DefaultMaxMessageLength)
	_, err := h.router.Send(h.ctx, "alice", types.SendMessageRequest{GroupID: g.ID, Text: atLimit})
	require.NoError(t, err, "escaping must not push text over the bound")

	_, err = h.router.Send(h.ctx, "alice", types.SendMessageRequest{GroupID: g.ID, Text: atLimit + "&"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	h.send("bob", g.ID, "Tom & Jerry tonight")
	_, err = h.router.Send(h.ctx, "bob", types.SendMessageRequest{
		GroupID:     g.ID,
		Text:        "poster",
		Attachments: []types.Attachment{{URL: "/uploads/p.png", Kind: "image", OriginalName: "R&D <b>plan</b>.png"}},
	})
	require.NoError(t, err)

	found, err := h.router.Search(h.ctx, "alice", types.SearchRequest{GroupID: g.ID, Query: "tom & jerry"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Tom &amp; Jerry tonight", found[0].Text)

	byFile, err := h.router.Search(h.ctx, "alice", types.SearchRequest{GroupID: g.ID, Query: "R&D"})
	require.NoError(t, err)
	require.Len(t, byFile, 1)
	assert.Equal(t, "R&amp;D plan.png", byFile[0].Attachments[0].OriginalName)
}

func TestRouter_TamperedCiphertext(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	good := h.send("alice", g.ID, "intact")
	bad := h.send("alice", g.ID, "to be tampered")

	stored, err := h.store.FindMessages(h.ctx, interfaces.MessageQuery{MessageID: bad.ID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	forged, err := h.router.Codec.Encrypt("forged", "some other secret")
	require.NoError(t, err)
	stored[0].Text = forged
	require.NoError(t, h.store.UpdateMessage(h.ctx, stored[0]))
	h.router.Cache.Invalidate(g.ID)

	_, err = h.router.LoadRecent(h.ctx, "bob", types.LoadMessagesRequest{GroupID: g.ID})
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)

	found, err := h.router.Search(h.ctx, "bob", types.SearchRequest{GroupID: g.ID, Query: "t"})
	require.NoError(t, err)
	require.Len(t, found, 1, "undecryptable messages are skipped")
	assert.Equal(t, good.ID, found[0].ID)
}

func TestRouter_TypingExpiry(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})

	require.NoError(t, h.router.TypingStart(h.ctx, "alice", g.ID))
	require.NoError(t, h.router.TypingStart(h.ctx, "alice", g.ID))

	got := h.transport.received("bob", EventTypingStatus)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"Alice"}, got[0].(TypingStatus).Users)
	assert.Empty(t, h.transport.received("alice", EventTypingStatus), "the typist is not told about itself")

	h.clock.Advance(3 * time.Second)
	got = h.transport.received("bob", EventTypingStatus)
	require.Len(t, got, 2)
	assert.Empty(t, got[1].(TypingStatus).Users)
	assert.Empty(t, h.router.Presence.Typing(g.ID))

	h.connect("carol", "Carol")
	assert.ErrorIs(t, h.router.TypingStart(h.ctx, "carol", g.ID), types.ErrNotAMember)
}

func TestRouter_SendClearsTyping(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})

	require.NoError(t, h.router.TypingStart(h.ctx, "alice", g.ID))
	h.send("alice", g.ID, "done typing")
	assert.Empty(t, h.router.Presence.Typing(g.ID))
	assert.False(t, h.router.Scheduler.Pending("id:alice/typing/"+g.ID))
}

func TestRouter_MarkRead(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	m := h.send("alice", g.ID, "read me")
	ref := types.MessageRef{GroupID: g.ID, MessageID: m.ID}

	require.NoError(t, h.router.MarkRead(h.ctx, "bob", ref))
	require.NoError(t, h.router.MarkRead(h.ctx, "bob", ref))

	delivered := h.transport.received("alice", EventMessageDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, Actor{ID: "bob", Username: "Bob"}, delivered[0].(MessageDelivered).Reader)

	reads := h.transport.received("alice", EventMessageRead)
	require.Len(t, reads, 1)
	assert.Equal(t, 1, reads[0].(MessageRead).Count)

	require.NoError(t, h.router.MarkRead(h.ctx, "alice", ref))
	assert.Len(t, h.transport.received("alice", EventMessageDelivered), 1, "readers never notify themselves")
	assert.Len(t, h.transport.received("bob", EventMessageRead), 2)

	assert.ElementsMatch(t, []string{"bob", "alice"}, h.router.Cache.Get(g.ID, m.ID).ReadBy)
}

func TestRouter_DisconnectCleansUp(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	require.NoError(t, h.router.TypingStart(h.ctx, "bob", g.ID))
	require.True(t, h.router.Scheduler.Pending("id:bob/away"))

	h.transport.reset()
	h.disconnect("bob")

	assert.False(t, h.router.Sessions.IsOnline("bob"))
	assert.Empty(t, h.router.Presence.Typing(g.ID))
	assert.False(t, h.router.Scheduler.Pending("id:bob/away"))
	assert.False(t, h.router.Scheduler.Pending("id:bob/typing/"+g.ID))
	assert.Len(t, h.transport.received("alice", EventTypingStatus), 1)
	assert.Len(t, h.transport.received("alice", EventGroupUpdated), 1)
	assert.Len(t, h.transport.broadcasted(EventUserDisconnected), 1)

	stored, err := h.router.Groups.Get(g.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsMember("bob"), "membership survives disconnect")

	view := h.router.view(stored)
	assert.Equal(t, types.PresenceOffline, view.Members[1].Status)
	assert.Equal(t, "Bob", view.Members[1].Username)

	// A second disconnect is a no-op.
	require.NoError(t, h.router.Disconnect(h.ctx, "bob"))
	assert.Len(t, h.transport.broadcasted(EventUserDisconnected), 1)

	_, err = h.router.Send(h.ctx, "bob", types.SendMessageRequest{GroupID: g.ID, Text: "hi"})
	assert.ErrorIs(t, err, types.ErrNotAuthenticated)
}

func TestRouter_AwayAfterInactivity(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	h.room(types.GroupSettingsPatch{})

	h.clock.Advance(5*time.Minute + time.Second)
	id, ok := h.router.Sessions.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, types.PresenceAway, id.Presence)

	statuses := h.transport.broadcasted(EventUserStatus)
	require.NotEmpty(t, statuses)

	require.NoError(t, h.router.SetStatus(h.ctx, "bob", types.PresenceOnline))
	id, _ = h.router.Sessions.Lookup("bob")
	assert.Equal(t, types.PresenceOnline, id.Presence)
	assert.ErrorIs(t, h.router.SetStatus(h.ctx, "bob", types.PresenceOffline), types.ErrInvalidInput)
}

func TestRouter_LeaveTransfersOwnership(t *testing.T) {
	h := newHarness(t)
	g := h.room(types.GroupSettingsPatch{})
	h.connect("carol", "Carol")
	h.join("carol", g)
	require.NoError(t, h.router.SetMemberRole(h.ctx, "alice", types.SetMemberRoleRequest{GroupID: g.ID, MemberID: "carol", Role: "moderator"}))

	require.NoError(t, h.router.LeaveGroup(h.ctx, "alice", g.ID))

	left := h.transport.received("bob", EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "carol", left[0].(UserLeft).NewOwnerID)

	stored, err := h.router.Groups.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", stored.OwnerID)
	assert.False(t, stored.IsMember("alice"))

	solo := h.createGroup("bob", "solo", types.GroupSettingsPatch{})
	assert.ErrorIs(t, h.router.LeaveGroup(h.ctx, "bob", solo.ID), types.ErrForbidden)
}

func TestRouter_RemoveMemberNotifiesOfflineTarget(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})

	h.disconnect("bob")
	require.NoError(t, h.router.RemoveMember(h.ctx, "alice", types.RemoveMemberRequest{GroupID: g.ID, MemberID: "bob"}))
	assert.Equal(t, 1, h.router.Offline.Len("bob"))

	h.transport.reset()
	h.connect("bob", "Bob")
	got := h.transport.received("bob", EventRemovedFromGroup)
	require.Len(t, got, 1)
	assert.Equal(t, g.ID, got[0].(RemovedFromGroup).GroupID)
	assert.Empty(t, h.router.Groups.GroupsOf("bob"))
}

func TestRouter_UpdateSettings(t *testing.T) {
	h := newHarness(t)
	g := h.room(types.GroupSettingsPatch{})

	view, err := h.router.UpdateSettings(h.ctx, "alice", types.UpdateSettingsRequest{
		GroupID:  g.ID,
		Settings: types.GroupSettingsPatch{MaxMembers: intPtr(10), IsPrivate: boolPtr(true)},
	})
	require.NoError(t, err)
	assert.Equal(t, 10, view.Settings.MaxMembers)
	assert.Len(t, h.transport.received("bob", EventGroupSettingsChanged), 1)

	_, err = h.router.UpdateSettings(h.ctx, "bob", types.UpdateSettingsRequest{GroupID: g.ID, Settings: types.GroupSettingsPatch{IsPrivate: boolPtr(false)}})
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, err = h.router.UpdateSettings(h.ctx, "alice", types.UpdateSettingsRequest{GroupID: g.ID, Settings: types.GroupSettingsPatch{EncryptionEnabled: boolPtr(false)}})
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestRouter_PanicBecomesInternal(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	m := h.send("alice", g.ID, "boom")

	h.transport.panicOn = EventMessageReacted
	err := h.router.React(h.ctx, "bob", types.ReactionRequest{GroupID: g.ID, MessageID: m.ID, Emoji: "🔥"})
	assert.ErrorIs(t, err, types.ErrInternal)
	assert.Contains(t, h.telemetry.escalated(), "add_reaction")

	// The group lock was released.
	h.transport.panicOn = ""
	h.send("bob", g.ID, "still alive")
	assert.Zero(t, h.router.groupLocks.size())
}

func TestRouter_StoreFailureIsInternal(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	h.store.SetFailure(errors.New("disk full"))

	_, err := h.router.Send(h.ctx, "alice", types.SendMessageRequest{GroupID: g.ID, Text: "lost"})
	require.ErrorIs(t, err, types.ErrInternal)
	assert.Equal(t, "internal error", err.Error())
	assert.Contains(t, h.telemetry.escalated(), "send_message")
	assert.Empty(t, h.transport.received("bob", EventNewMessage))
	assert.Zero(t, h.router.Cache.Len(g.ID))
}

func TestRouter_ConnectRejectsBadNames(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"", "   ", "<b></b>", strings.Repeat("x", types.MaxDisplayNameLength+1)} {
		_, err := h.router.Connect(h.ctx, "c1", name)
		assert.ErrorIs(t, err, types.ErrInvalidInput, "name %q", name)
	}
	assert.Zero(t, h.router.Sessions.OnlineCount())
}

func TestRouter_StatsAndSweep(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	h.send("alice", g.ID, "hi")
	h.disconnect("bob")
	h.send("alice", g.ID, "queued")

	s := h.router.Stats()
	assert.Equal(t, 1, s.OnlineUsers)
	assert.Equal(t, 1, s.Groups)
	assert.Equal(t, 2, s.CachedMessages)
	assert.Equal(t, 1, s.OfflineRecipients)

	h.clock.Advance(25 * time.Hour)
	res := h.router.Sweep(time.Hour)
	assert.Equal(t, 1, res.Tombstones)
	assert.Equal(t, 1, res.ExpiredOffline)
	assert.Zero(t, h.router.Stats().OfflineRecipients)
}

func TestRouter_ReplyQuotesOriginal(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	original := h.send("bob", g.ID, "lunch at noon?")

	reply, err := h.router.Reply(h.ctx, "alice", types.ReplyMessageRequest{GroupID: g.ID, Text: "sure", ReplyTo: original.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, original.ID, reply.ReplyTo.ID)
	assert.Equal(t, "lunch at noon?", reply.ReplyTo.Text)
	assert.Equal(t, "Bob", reply.ReplyTo.SenderName)

	// The stored quote follows the group's encryption like the body does.
	stored := h.router.Cache.Get(g.ID, reply.ID)
	require.NotNil(t, stored)
	require.NotNil(t, stored.ReplyTo)
	assert.NotEqual(t, "lunch at noon?", stored.ReplyTo.Text)

	got := h.transport.received("bob", EventNewMessage)
	require.Len(t, got, 2)
	assert.Equal(t, "lunch at noon?", got[1].(*types.Message).ReplyTo.Text)

	_, err = h.router.Reply(h.ctx, "alice", types.ReplyMessageRequest{GroupID: g.ID, Text: "?", ReplyTo: "missing"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRouter_PinnedMessagesNewestFirst(t *testing.T) {
	h := newHarness(t, withoutSystemMessages())
	g := h.room(types.GroupSettingsPatch{})
	first := h.send("bob", g.ID, "first")
	h.send("bob", g.ID, "not pinned")
	third := h.send("bob", g.ID, "third")
	for _, m := range []*types.Message{first, third} {
		require.NoError(t, h.router.Pin(h.ctx, "alice", types.MessageRef{GroupID: g.ID, MessageID: m.ID}))
	}

	pinned, err := h.router.PinnedMessages(h.ctx, "bob", g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"third", "first"}, texts(pinned))

	h.connect("carol", "Carol")
	_, err = h.router.PinnedMessages(h.ctx, "carol", g.ID)
	assert.ErrorIs(t, err, types.ErrNotAMember)
}
