package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"huddle/internal/group"
	"huddle/internal/sanitize"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

// unbounded is later than any message timestamp.
var unbounded = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// cleanText sanitises message text and enforces the length bound.
func (r *Router) cleanText(raw string) (string, error) {
	text := r.Sanitizer.Message(raw)
	if sanitize.Length(text) > r.cfg.MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return text, nil
}

// cleanAttachments strips markup from attachment names.
func (r *Router) cleanAttachments(in []types.Attachment) []types.Attachment {
	if len(in) == 0 {
		return in
	}
	out := make([]types.Attachment, len(in))
	for i, a := range in {
		a.OriginalName = r.Sanitizer.Plain(a.OriginalName)
		out[i] = a
	}
	return out
}

// seal returns text in its stored form for g.
func (r *Router) seal(g *types.Group, text string) (string, bool, error) {
	if !g.Settings.EncryptionEnabled {
		return text, false, nil
	}
	sealed, err := r.Codec.Encrypt(text, g.EncryptionKey)
	if err != nil {
		return "", false, err
	}
	return sealed, true, nil
}

// reveal turns a stored message into its client form. Edit history is opened
// too. Any envelope that fails to open fails the whole message.
func (r *Router) reveal(g *types.Group, m *types.Message) (*types.Message, error) {
	if !m.IsEncrypted {
		return m, nil
	}
	out := m.Clone()
	plain, err := r.Codec.Decrypt(m.Text, g.EncryptionKey)
	if err != nil {
		return nil, errors.Join(ErrUndecryptable, err)
	}
	out.Text = plain
	if out.ReplyTo != nil {
		quoted, err := r.Codec.Decrypt(out.ReplyTo.Text, g.EncryptionKey)
		if err != nil {
			return nil, errors.Join(ErrUndecryptable, err)
		}
		out.ReplyTo.Text = quoted
	}
	for i, h := range out.EditHistory {
		prior, err := r.Codec.Decrypt(h.PriorText, g.EncryptionKey)
		if err != nil {
			return nil, errors.Join(ErrUndecryptable, err)
		}
		out.EditHistory[i].PriorText = prior
	}
	return out, nil
}

// findMessage loads the stored form of messageID in g, from cache when possible.
func (r *Router) findMessage(ctx context.Context, g *types.Group, messageID string) (*types.Message, error) {
	if m := r.Cache.Get(g.ID, messageID); m != nil {
		return m, nil
	}
	found, err := r.Store.FindMessages(ctx, interfaces.MessageQuery{MessageID: messageID})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 || found[0].GroupID != g.ID {
		return nil, ErrMessageNotFound
	}
	r.Cache.Set(g.ID, found[0])
	return found[0], nil
}

// saveMessage writes an updated stored message to the store, then the cache.
func (r *Router) saveMessage(ctx context.Context, m *types.Message) error {
	if err := r.Store.UpdateMessage(ctx, m); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			r.Cache.InvalidateMessage(m.GroupID, m.ID)
			return ErrMessageNotFound
		}
		return err
	}
	r.Cache.Set(m.GroupID, m)
	return nil
}

// Send posts a message to a group and returns it in client form.
func (r *Router) Send(ctx context.Context, senderID string, req types.SendMessageRequest) (msg *types.Message, err error) {
	err = r.do("send_message", func() error {
		msg, err = r.post(ctx, senderID, req, "")
		return err
	})
	return msg, err
}

// Reply posts a message quoting req.ReplyTo, which must be a message of the
// same group. The quote is a snapshot of the original's current text.
func (r *Router) Reply(ctx context.Context, senderID string, req types.ReplyMessageRequest) (msg *types.Message, err error) {
	err = r.do("reply_message", func() error {
		msg, err = r.post(ctx, senderID, req.Send(), req.ReplyTo)
		return err
	})
	return msg, err
}

// post is the shared body of Send and Reply. An empty replyTo posts a plain message.
func (r *Router) post(ctx context.Context, senderID string, req types.SendMessageRequest, replyTo string) (*types.Message, error) {
	sender, err := r.identity(senderID)
	if err != nil {
		return nil, err
	}
	unlock := r.groupLocks.Lock(req.GroupID)
	defer unlock()

	g, err := r.memberGroup(req.GroupID, senderID)
	if err != nil {
		return nil, err
	}
	if err := r.allow(senderID, OpMessage); err != nil {
		return nil, err
	}
	if len(req.Attachments) > 0 && !g.Settings.AllowAttachments {
		return nil, ErrAttachmentsDisabled
	}
	text, err := r.cleanText(req.Text)
	if err != nil {
		return nil, err
	}
	if text == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	var quote *types.ReplyRef
	if replyTo != "" {
		original, err := r.findMessage(ctx, g, replyTo)
		if err != nil {
			return nil, err
		}
		view, err := r.reveal(g, original)
		if err != nil {
			return nil, err
		}
		quote = &types.ReplyRef{
			ID:         view.ID,
			Text:       view.Text,
			SenderName: view.SenderName,
			CreatedAt:  view.CreatedAt,
		}
	}

	out := &types.Message{
		ID:           uuid.New().String(),
		GroupID:      g.ID,
		SenderID:     sender.ConnectionID,
		SenderName:   sender.DisplayName,
		SenderAvatar: sender.AvatarRef,
		Text:         text,
		Attachments:  r.cleanAttachments(req.Attachments),
		Reactions:    map[string][]string{},
		ReadBy:       []string{},
		ReplyTo:      quote,
	}
	if err := r.publish(ctx, g, out); err != nil {
		return nil, err
	}

	r.Presence.TypingStop(g.ID, senderID)
	r.Presence.Touch(senderID)
	return out, nil
}

// nextCreatedAt returns a creation time strictly after every message already
// issued in groupID, so the store, the cache and recipients agree on order
// even when the clock stalls or steps back. Callers hold the group lock.
func (r *Router) nextCreatedAt(ctx context.Context, groupID string) (time.Time, error) {
	r.stampMu.Lock()
	last, ok := r.lastCreated[groupID]
	r.stampMu.Unlock()
	if !ok {
		newest, err := r.Store.FindMessages(ctx, interfaces.MessageQuery{GroupID: groupID, Limit: 1})
		if err != nil {
			return time.Time{}, err
		}
		if len(newest) > 0 {
			last = newest[0].CreatedAt
		}
	}

	// Round(0) drops the monotonic reading; stored times only carry wall time.
	now := r.Clock.Now().Round(0)
	if !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	r.stampMu.Lock()
	r.lastCreated[groupID] = now
	r.stampMu.Unlock()
	return now, nil
}

// publish stamps, seals, stores, caches and fans out a new message. out is in
// client form and is marked encrypted when the stored copy is.
// Callers hold the group lock.
func (r *Router) publish(ctx context.Context, g *types.Group, out *types.Message) error {
	createdAt, err := r.nextCreatedAt(ctx, g.ID)
	if err != nil {
		return err
	}
	out.CreatedAt = createdAt
	stored := out.Clone()
	sealed, encrypted, err := r.seal(g, out.Text)
	if err != nil {
		return err
	}
	stored.Text = sealed
	stored.IsEncrypted = encrypted
	out.IsEncrypted = encrypted
	if encrypted && stored.ReplyTo != nil {
		quoted, err := r.Codec.Encrypt(stored.ReplyTo.Text, g.EncryptionKey)
		if err != nil {
			return err
		}
		stored.ReplyTo.Text = quoted
	}

	if err := r.Store.CreateMessage(ctx, stored); err != nil {
		return err
	}
	r.Cache.Set(g.ID, stored)
	r.Groups.TouchActivity(g.ID)
	r.fanout(g, EventNewMessage, out.Clone(), queueOffline, "")
	return nil
}

// Edit replaces the text of editorID's own message and records the prior text.
func (r *Router) Edit(ctx context.Context, editorID string, req types.EditMessageRequest) error {
	return r.do("edit_message", func() error {
		if _, err := r.identity(editorID); err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(req.GroupID)
		defer unlock()

		g, err := r.memberGroup(req.GroupID, editorID)
		if err != nil {
			return err
		}
		m, err := r.findMessage(ctx, g, req.MessageID)
		if err != nil {
			return err
		}
		if m.SenderID != editorID {
			return ErrNotSender
		}
		text, err := r.cleanText(req.NewText)
		if err != nil {
			return err
		}
		if text == "" {
			return ErrEmptyMessage
		}
		// A message keeps the form it was created in; history holds stored-form text.
		sealed := text
		if m.IsEncrypted {
			if sealed, err = r.Codec.Encrypt(text, g.EncryptionKey); err != nil {
				return err
			}
		}

		now := r.Clock.Now()
		m.EditHistory = append(m.EditHistory, types.EditEntry{PriorText: m.Text, EditedAt: now})
		m.Text = sealed
		m.EditedAt = &now
		if err := r.saveMessage(ctx, m); err != nil {
			return err
		}

		r.Presence.Touch(editorID)
		r.fanout(g, EventMessageEdited, MessageEdited{
			MessageID: m.ID,
			GroupID:   g.ID,
			Text:      text,
			EditedAt:  now,
			EditCount: len(m.EditHistory),
		}, liveOnly, "")
		return nil
	})
}

// Delete removes a message. The sender, a group moderator or an admin may delete.
func (r *Router) Delete(ctx context.Context, requesterID string, ref types.MessageRef) error {
	return r.do("delete_message", func() error {
		requester, err := r.identity(requesterID)
		if err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(ref.GroupID)
		defer unlock()

		g, err := r.memberGroup(ref.GroupID, requesterID)
		if err != nil {
			return err
		}
		m, err := r.findMessage(ctx, g, ref.MessageID)
		if err != nil {
			return err
		}
		if m.SenderID != requesterID && !group.IsAdminOrModerator(requester, g) {
			return ErrDeleteNotPermitted
		}
		if err := r.Store.DeleteMessage(ctx, m.ID); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				r.Cache.InvalidateMessage(g.ID, m.ID)
				return ErrMessageNotFound
			}
			return err
		}
		r.Cache.InvalidateMessage(g.ID, m.ID)
		r.Presence.ForgetMessage(m.ID)

		r.fanout(g, EventMessageDeleted, MessageDeleted{MessageID: m.ID, GroupID: g.ID}, liveOnly, "")
		return nil
	})
}

// React adds emoji from identityID to a message. Repeating a reaction is a
// silent no-op.
func (r *Router) React(ctx context.Context, identityID string, req types.ReactionRequest) error {
	return r.do("add_reaction", func() error {
		if _, err := r.identity(identityID); err != nil {
			return err
		}
		emoji := strings.TrimSpace(req.Emoji)
		if emoji == "" {
			return types.NewError(types.KindInvalidInput, "emoji is required")
		}
		unlock := r.groupLocks.Lock(req.GroupID)
		defer unlock()

		g, err := r.memberGroup(req.GroupID, identityID)
		if err != nil {
			return err
		}
		if err := r.allow(identityID, OpReaction); err != nil {
			return err
		}
		m, err := r.findMessage(ctx, g, req.MessageID)
		if err != nil {
			return err
		}
		if !m.AddReaction(emoji, identityID) {
			return nil
		}
		if err := r.saveMessage(ctx, m); err != nil {
			return err
		}

		r.Presence.Touch(identityID)
		r.fanout(g, EventMessageReacted, MessageReacted{
			MessageID: m.ID,
			GroupID:   g.ID,
			Reactions: m.Clone().Reactions,
		}, liveOnly, "")
		return nil
	})
}

// Pin marks a message as pinned. Only moderators and admins may pin.
func (r *Router) Pin(ctx context.Context, requesterID string, ref types.MessageRef) error {
	return r.do("pin_message", func() error {
		return r.setPinned(ctx, requesterID, ref, true)
	})
}

// Unpin clears the pinned flag. Only moderators and admins may unpin.
func (r *Router) Unpin(ctx context.Context, requesterID string, ref types.MessageRef) error {
	return r.do("unpin_message", func() error {
		return r.setPinned(ctx, requesterID, ref, false)
	})
}

func (r *Router) setPinned(ctx context.Context, requesterID string, ref types.MessageRef, pinned bool) error {
	requester, err := r.identity(requesterID)
	if err != nil {
		return err
	}
	unlock := r.groupLocks.Lock(ref.GroupID)
	defer unlock()

	g, err := r.Groups.Get(ref.GroupID)
	if err != nil {
		return err
	}
	if !group.IsAdminOrModerator(requester, g) {
		if !g.IsMember(requesterID) {
			return group.ErrNotMember
		}
		return ErrPinNotPermitted
	}
	m, err := r.findMessage(ctx, g, ref.MessageID)
	if err != nil {
		return err
	}
	if m.Pinned == pinned {
		return nil
	}

	now := r.Clock.Now()
	m.Pinned = pinned
	if pinned {
		m.PinnedBy = requesterID
		m.PinnedAt = &now
	} else {
		m.PinnedBy = ""
		m.PinnedAt = nil
	}
	if err := r.saveMessage(ctx, m); err != nil {
		return err
	}

	event := EventMessagePinned
	if !pinned {
		event = EventMessageUnpinned
	}
	r.fanout(g, event, MessagePinned{
		MessageID: m.ID,
		GroupID:   g.ID,
		By:        r.actor(requester),
		At:        now,
	}, liveOnly, "")
	return nil
}

// MarkRead records that readerID has read a message. The reader set only
// grows; the sender gets a delivery notice the first time someone else reads it.
func (r *Router) MarkRead(ctx context.Context, readerID string, ref types.MessageRef) error {
	return r.do("message_read", func() error {
		reader, err := r.identity(readerID)
		if err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(ref.GroupID)
		defer unlock()

		g, err := r.memberGroup(ref.GroupID, readerID)
		if err != nil {
			return err
		}
		m, err := r.findMessage(ctx, g, ref.MessageID)
		if err != nil {
			return err
		}
		readers, added := r.Presence.MarkRead(m.ID, readerID, m.ReadBy)
		r.Presence.Touch(readerID)
		if !added {
			return nil
		}
		m.ReadBy = readers
		if err := r.saveMessage(ctx, m); err != nil {
			return err
		}

		readBy := make([]Actor, len(readers))
		for i, id := range readers {
			readBy[i] = r.actorOf(id)
		}
		r.fanout(g, EventMessageRead, MessageRead{
			MessageID: m.ID,
			GroupID:   g.ID,
			ReadBy:    readBy,
			Count:     len(readers),
		}, liveOnly, "")

		if m.SenderID != readerID && !m.IsSystem {
			r.deliver(m.SenderID, EventMessageDelivered, MessageDelivered{
				MessageID: m.ID,
				GroupID:   g.ID,
				Reader:    r.actor(reader),
			}, liveOnly)
		}
		return nil
	})
}

// LoadRecent returns up to limit messages created before before (nil means
// now), newest first, in client form.
func (r *Router) LoadRecent(ctx context.Context, identityID string, req types.LoadMessagesRequest) (msgs []*types.Message, err error) {
	err = r.do("load_messages", func() error {
		if _, err := r.identity(identityID); err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(req.GroupID)
		defer unlock()

		g, err := r.memberGroup(req.GroupID, identityID)
		if err != nil {
			return err
		}
		out, err := r.loadRecentLocked(ctx, g, req.Before, req.Limit)
		if err != nil {
			return err
		}
		r.Presence.Touch(identityID)
		msgs = out
		return nil
	})
	return msgs, err
}

func (r *Router) loadRecentLocked(ctx context.Context, g *types.Group, before *time.Time, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = r.cfg.PageSize
	}
	window := unbounded
	if before != nil {
		window = *before
	}

	stored, covered := r.Cache.Recent(g.ID, window, limit)
	if !covered {
		q := interfaces.MessageQuery{GroupID: g.ID, Limit: limit}
		if before != nil {
			q.Before = *before
		}
		var err error
		stored, err = r.Store.FindMessages(ctx, q)
		if err != nil {
			return nil, err
		}
		if before == nil {
			r.Cache.Fill(g.ID, stored, len(stored) < limit)
		} else {
			r.Cache.Set(g.ID, stored...)
		}
	}

	out := make([]*types.Message, 0, len(stored))
	for _, m := range stored {
		view, err := r.reveal(g, m)
		if err != nil {
			r.log.Error().Err(err).Str("group_id", g.ID).Str("message_id", m.ID).Msg("stored message failed authentication")
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

// PinnedMessages returns every pinned message of groupID in client form,
// newest first.
func (r *Router) PinnedMessages(ctx context.Context, identityID, groupID string) (msgs []*types.Message, err error) {
	err = r.do("get_pinned_messages", func() error {
		if _, err := r.identity(identityID); err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(groupID)
		defer unlock()

		g, err := r.memberGroup(groupID, identityID)
		if err != nil {
			return err
		}
		pinned, err := r.Store.FindMessages(ctx, interfaces.MessageQuery{GroupID: g.ID, PinnedOnly: true})
		if err != nil {
			return err
		}
		out := make([]*types.Message, 0, len(pinned))
		for _, m := range pinned {
			view, err := r.reveal(g, m)
			if err != nil {
				r.log.Error().Err(err).Str("group_id", g.ID).Str("message_id", m.ID).Msg("stored message failed authentication")
				return err
			}
			out = append(out, view)
		}
		r.Presence.Touch(identityID)
		msgs = out
		return nil
	})
	return msgs, err
}

// searchScanWarn is the history size above which a decrypting search is logged.
const searchScanWarn = 5000

// Search returns up to SearchLimit messages whose text, sender name or
// attachment names contain query, ignoring case, newest first.
// TECHNICAL DISCOVERY: encrypted groups are decrypted in full on every
// query. There is no plaintext index, so cost grows with group history.
func (r *Router) Search(ctx context.Context, identityID string, req types.SearchRequest) (msgs []*types.Message, err error) {
	err = r.do("search_messages", func() error {
		if _, err := r.identity(identityID); err != nil {
			return err
		}
		// Stored text and names are escaped, so the query is escaped the same way.
		query := strings.ToLower(r.Sanitizer.Plain(req.Query))
		if query == "" {
			return ErrEmptyQuery
		}
		g, err := r.memberGroup(req.GroupID, identityID)
		if err != nil {
			return err
		}
		if err := r.allow(identityID, OpSearch); err != nil {
			return err
		}

		all, err := r.Store.FindMessages(ctx, interfaces.MessageQuery{GroupID: g.ID})
		if err != nil {
			return err
		}
		if g.Settings.EncryptionEnabled && len(all) > searchScanWarn {
			r.log.Warn().Str("group_id", g.ID).Int("messages", len(all)).Msg("search is decrypting a large history")
		}
		out := make([]*types.Message, 0, r.cfg.SearchLimit)
		skipped := 0
		for _, m := range all {
			view, err := r.reveal(g, m)
			if err != nil {
				skipped++
				continue
			}
			if types.ContainsFold(view.Text, query) ||
				types.ContainsFold(view.SenderName, query) ||
				view.HasAttachmentNamed(query) {
				out = append(out, view)
				if len(out) == r.cfg.SearchLimit {
					break
				}
			}
		}
		if skipped > 0 {
			r.log.Warn().Str("group_id", g.ID).Int("skipped", skipped).Msg("search skipped undecryptable messages")
		}
		r.Presence.Touch(identityID)
		msgs = out
		return nil
	})
	return msgs, err
}
