package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"huddle/internal/group"
	"huddle/pkg/types"
)

const systemName = "System"

// view renders g for clients. Members are listed in join order with their
// live presence; departed identities show as offline.
func (r *Router) view(g *types.Group) types.GroupView {
	v := types.GroupView{
		ID:         g.ID,
		Name:       g.Name,
		OwnerID:    g.OwnerID,
		InviteCode: g.InviteCode,
		InviteLink: types.InviteLink(g.ID, g.InviteCode),
		Moderators: g.ModeratorIDs(),
		Settings:   g.Settings,
		CreatedAt:  g.CreatedAt,
	}
	for _, id := range g.MemberIDs() {
		mv := types.MemberView{ID: id, Username: id, Status: types.PresenceOffline, Role: group.RoleMember}
		if ident, ok := r.Sessions.Resolve(id); ok {
			mv.Username = ident.DisplayName
			mv.Avatar = ident.AvatarRef
			mv.Status = ident.Presence
		}
		switch {
		case id == g.OwnerID:
			mv.Role = "owner"
		case g.Moderators[id]:
			mv.Role = group.RoleModerator
		}
		v.Members = append(v.Members, mv)
	}
	return v
}

// postSystem publishes a server notice into g. Failures are logged and
// escalated but never fail the operation that triggered the notice.
// Callers hold the group lock.
func (r *Router) postSystem(ctx context.Context, g *types.Group, format string, args ...any) {
	if !r.cfg.SystemMessages {
		return
	}
	createdAt, err := r.nextCreatedAt(ctx, g.ID)
	if err != nil {
		r.log.Error().Err(err).Str("group_id", g.ID).Msg("failed to stamp system message")
		r.Telemetry.Escalate("system_message", err)
		return
	}
	m := &types.Message{
		ID:         uuid.New().String(),
		GroupID:    g.ID,
		SenderID:   types.SystemSenderID,
		SenderName: systemName,
		Text:       fmt.Sprintf(format, args...),
		IsSystem:   true,
		CreatedAt:  createdAt,
		Reactions:  map[string][]string{},
		ReadBy:     []string{},
	}
	if err := r.Store.CreateMessage(ctx, m); err != nil {
		r.log.Error().Err(err).Str("group_id", g.ID).Msg("failed to store system message")
		r.Telemetry.Escalate("system_message", err)
		return
	}
	r.Cache.Set(g.ID, m)
	r.fanout(g, EventNewMessage, m.Clone(), queueOffline, "")
}

// CreateGroup makes a new group owned by ownerID.
func (r *Router) CreateGroup(ctx context.Context, ownerID string, req types.CreateGroupRequest) (view types.GroupView, err error) {
	err = r.do("create_group", func() error {
		if _, err := r.identity(ownerID); err != nil {
			return err
		}
		g, err := r.Groups.Create(ctx, ownerID, req.Name, req.Settings)
		if err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(g.ID)
		defer unlock()

		r.postSystem(ctx, g, "Group %q was created", g.Name)
		view = r.view(g)
		return nil
	})
	return view, err
}

// JoinGroup adds identityID to a group by invite code or "groupId:code" link
// and returns the group with its recent history.
func (r *Router) JoinGroup(ctx context.Context, identityID string, req types.JoinGroupRequest) (res JoinResult, err error) {
	err = r.do("join_group", func() error {
		ident, err := r.identity(identityID)
		if err != nil {
			return err
		}
		groupID := req.GroupID
		if linkGroup, _, ok := types.ParseInviteLink(strings.TrimSpace(req.InviteCode)); ok && groupID == "" {
			groupID = linkGroup
		}
		if groupID == "" {
			return types.NewError(types.KindInvalidInput, "groupId or an invite link is required")
		}
		unlock := r.groupLocks.Lock(groupID)
		defer unlock()

		g, joined, err := r.Groups.Join(ctx, identityID, groupID, req.InviteCode)
		if err != nil {
			return err
		}
		history, err := r.loadRecentLocked(ctx, g, nil, r.cfg.PageSize)
		if err != nil {
			return err
		}
		res.Group = r.view(g)
		res.Messages = history

		if joined {
			r.postSystem(ctx, g, "%s joined the group", ident.DisplayName)
			r.fanout(g, EventGroupUpdated, res.Group, liveOnly, "")
		}
		return nil
	})
	return res, err
}

// LeaveGroup removes identityID from a group, handing ownership on if needed.
func (r *Router) LeaveGroup(ctx context.Context, identityID, groupID string) error {
	return r.do("leave_group", func() error {
		ident, err := r.identity(identityID)
		if err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(groupID)
		defer unlock()

		g, newOwner, err := r.Groups.Leave(ctx, identityID, groupID)
		if err != nil {
			return err
		}
		r.Presence.TypingStop(groupID, identityID)

		r.postSystem(ctx, g, "%s left the group", ident.DisplayName)
		r.fanout(g, EventUserLeft, UserLeft{GroupID: g.ID, User: r.actor(ident), NewOwnerID: newOwner}, liveOnly, "")
		r.fanout(g, EventGroupUpdated, r.view(g), liveOnly, "")
		return nil
	})
}

// SetMemberRole promotes a member to moderator or demotes one back.
func (r *Router) SetMemberRole(ctx context.Context, actorID string, req types.SetMemberRoleRequest) error {
	return r.do("set_member_role", func() error {
		actor, err := r.identity(actorID)
		if err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(req.GroupID)
		defer unlock()

		g, err := r.Groups.SetRole(ctx, actor, req.GroupID, req.MemberID, req.Role)
		if err != nil {
			return err
		}
		member := r.actorOf(req.MemberID)
		r.fanout(g, EventRoleChanged, RoleChanged{GroupID: g.ID, Member: member, Role: req.Role, By: r.actor(actor)}, liveOnly, "")
		r.postSystem(ctx, g, "%s is now a %s", member.Username, req.Role)
		r.fanout(g, EventGroupUpdated, r.view(g), liveOnly, "")
		return nil
	})
}

// UpdateSettings changes group settings on behalf of a moderator.
func (r *Router) UpdateSettings(ctx context.Context, actorID string, req types.UpdateSettingsRequest) (view types.GroupView, err error) {
	err = r.do("update_group_settings", func() error {
		actor, err := r.identity(actorID)
		if err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(req.GroupID)
		defer unlock()

		g, err := r.Groups.UpdateSettings(ctx, actor, req.GroupID, req.Settings)
		if err != nil {
			return err
		}
		r.fanout(g, EventGroupSettingsChanged, GroupSettingsChanged{GroupID: g.ID, Settings: g.Settings, By: r.actor(actor)}, liveOnly, "")
		view = r.view(g)
		return nil
	})
	return view, err
}

// RemoveMember expels a member. The removed identity is told directly, or
// through its offline queue.
func (r *Router) RemoveMember(ctx context.Context, actorID string, req types.RemoveMemberRequest) error {
	return r.do("remove_member", func() error {
		actor, err := r.identity(actorID)
		if err != nil {
			return err
		}
		unlock := r.groupLocks.Lock(req.GroupID)
		defer unlock()

		g, err := r.Groups.RemoveMember(ctx, actor, req.GroupID, req.MemberID)
		if err != nil {
			return err
		}
		r.Presence.TypingStop(g.ID, req.MemberID)

		member := r.actorOf(req.MemberID)
		r.fanout(g, EventMemberRemoved, MemberRemoved{GroupID: g.ID, Member: member, By: r.actor(actor)}, liveOnly, "")
		r.deliver(req.MemberID, EventRemovedFromGroup, RemovedFromGroup{GroupID: g.ID, GroupName: g.Name, By: r.actor(actor)}, queueOffline)
		r.fanout(g, EventGroupUpdated, r.view(g), liveOnly, "")
		return nil
	})
}
