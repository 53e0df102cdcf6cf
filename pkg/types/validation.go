package types

import (
	"crypto/rand"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// DefaultMaxMessageLength bounds message text before encryption, in runes.
	DefaultMaxMessageLength = 2000
	// MaxDisplayNameLength bounds a display name after sanitising, in runes.
	MaxDisplayNameLength = 50
	// MaxGroupNameLength bounds a group name after sanitising, in runes.
	MaxGroupNameLength = 100
	// DefaultMaxMembers is used when a group is created without an explicit limit.
	DefaultMaxMembers = 100
	// InviteCodeLength is the number of base-36 characters in an invite code.
	InviteCodeLength = 6
)

const inviteAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// DefaultGroupSettings mirrors what a freshly created group gets.
func DefaultGroupSettings() GroupSettings {
	return GroupSettings{
		MaxMembers:        DefaultMaxMembers,
		AllowAttachments:  true,
		EncryptionEnabled: true,
	}
}

// NewInviteCode returns a random 6-character uppercase base-36 code.
// TECHNICAL DISCOVERY: bytes >= 252 are rejected so every symbol is equally likely.
func NewInviteCode() (string, error) {
	out := make([]byte, 0, InviteCodeLength)
	buf := make([]byte, 16)
	for len(out) < InviteCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= 252 {
				continue
			}
			out = append(out, inviteAlphabet[int(b)%len(inviteAlphabet)])
			if len(out) == InviteCodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// IsValidInviteCode checks the 6-character uppercase base-36 format.
func IsValidInviteCode(code string) bool {
	if len(code) != InviteCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(inviteAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// InviteLink joins a group id and invite code into a sharable link token.
func InviteLink(groupID, code string) string {
	return groupID + ":" + code
}

// ParseInviteLink splits a "groupId:inviteCode" token. ok is false when the
// token has no separator.
func ParseInviteLink(link string) (groupID, code string, ok bool) {
	i := strings.LastIndexByte(link, ':')
	if i <= 0 || i == len(link)-1 {
		return "", "", false
	}
	return link[:i], strings.ToUpper(link[i+1:]), true
}

// IsValidStatus reports whether a client may set the given presence directly.
// Offline is reserved for disconnects.
func IsValidStatus(s PresenceState) bool {
	return s == PresenceOnline || s == PresenceAway
}

func sortByJoin(ids []string, joined map[string]time.Time) {
	slices.SortFunc(ids, func(a, b string) int {
		if c := joined[a].Compare(joined[b]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
}

func containsFold(s, lowerNeedle string) bool {
	return strings.Contains(strings.ToLower(s), lowerNeedle)
}

// ContainsFold reports whether s contains needle, ignoring case.
func ContainsFold(s, needle string) bool {
	return containsFold(s, strings.ToLower(needle))
}
