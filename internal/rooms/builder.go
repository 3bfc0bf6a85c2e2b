package rooms

import (
	"fmt"
	"strings"

	"github.com/matrixchat/matrixchat/internal/matrix"
)

// Builder turns raw sync room blocks into summaries from the point of view
// of one user. It carries the global m.direct map so direct rooms resolve
// to the partner's name even before membership state arrives.
type Builder struct {
	userID      string
	roomPartner map[string]string
}

// NewBuilder creates a builder for the given session user.
func NewBuilder(userID string) *Builder {
	return &Builder{userID: userID, roomPartner: make(map[string]string)}
}

// SetDirectMap replaces the known direct-room mapping from m.direct
// account data (partner user id -> room ids).
func (b *Builder) SetDirectMap(direct map[string][]string) {
	if direct == nil {
		return
	}
	b.roomPartner = make(map[string]string, len(direct))
	for partner, roomIDs := range direct {
		for _, roomID := range roomIDs {
			b.roomPartner[roomID] = partner
		}
	}
}

type memberInfo struct {
	membership  string
	displayName string
	avatarURL   string
}

// roomState is the flattened view of the state events relevant to naming.
type roomState struct {
	name           string
	topic          string
	canonicalAlias string
	avatarURL      string
	members        map[string]memberInfo
	inviterID      string
	isDirect       bool
}

func (b *Builder) collectState(lists ...[]matrix.RawEvent) *roomState {
	st := &roomState{members: make(map[string]memberInfo)}
	for _, events := range lists {
		for _, ev := range events {
			switch ev.Type {
			case "m.room.name":
				if v, ok := ev.Content["name"].(string); ok {
					st.name = v
				}
			case "m.room.topic":
				if v, ok := ev.Content["topic"].(string); ok {
					st.topic = v
				}
			case "m.room.canonical_alias":
				if v, ok := ev.Content["alias"].(string); ok {
					st.canonicalAlias = v
				}
			case "m.room.avatar":
				if v, ok := ev.Content["url"].(string); ok {
					st.avatarURL = v
				}
			case "m.room.member":
				if ev.StateKey == nil {
					continue
				}
				info := memberInfo{}
				if v, ok := ev.Content["membership"].(string); ok {
					info.membership = v
				}
				if v, ok := ev.Content["displayname"].(string); ok {
					info.displayName = v
				}
				if v, ok := ev.Content["avatar_url"].(string); ok {
					info.avatarURL = v
				}
				st.members[*ev.StateKey] = info
				if *ev.StateKey == b.userID {
					if info.membership == "invite" {
						st.inviterID = ev.Sender
					}
					if v, ok := ev.Content["is_direct"].(bool); ok && v {
						st.isDirect = true
					}
					if v, ok := ev.Content["org.matrix.msc3375.is_direct"].(bool); ok && v {
						st.isDirect = true
					}
				}
			}
		}
	}
	return st
}

// otherMember returns the first member other than the session user,
// preferring joined or invited members.
func (st *roomState) otherMember(selfID string) (string, memberInfo, bool) {
	for _, want := range []string{"join", "invite"} {
		for id, info := range st.members {
			if id == selfID || info.membership != want {
				continue
			}
			return id, info, true
		}
	}
	for id, info := range st.members {
		if id != selfID {
			return id, info, true
		}
	}
	return "", memberInfo{}, false
}

func (st *roomState) joinedCount() int {
	n := 0
	for _, info := range st.members {
		if info.membership == "join" {
			n++
		}
	}
	return n
}

// directPartner resolves the partner user id for a room: the global
// m.direct map first, then a room-scoped m.direct account-data entry
// whose room list names this room. Returns "" when neither knows it.
func (b *Builder) directPartner(roomID string, accountData []matrix.RawEvent) string {
	if partner, ok := b.roomPartner[roomID]; ok {
		return partner
	}
	for _, ev := range accountData {
		if ev.Type != "m.direct" {
			continue
		}
		for partner, roomIDs := range matrix.ParseDirectContent(ev.Content) {
			for _, id := range roomIDs {
				if id == roomID {
					return partner
				}
			}
		}
	}
	return ""
}

// memberName renders a member by display name, falling back to the
// localpart of the user id.
func (st *roomState) memberName(userID string) string {
	if info, ok := st.members[userID]; ok && info.displayName != "" {
		return info.displayName
	}
	return matrix.DisplayNameFromID(userID)
}

// resolveName picks the display name for a room. Direct rooms take the
// partner's name; otherwise explicit state wins, then the alias, then the
// member list, then the bare room id.
func (b *Builder) resolveName(roomID string, st *roomState, direct bool, partner string) string {
	if direct {
		if partner != "" {
			return st.memberName(partner)
		}
		if id, info, ok := st.otherMember(b.userID); ok {
			if info.displayName != "" {
				return info.displayName
			}
			return matrix.DisplayNameFromID(id)
		}
	}
	if st.name != "" {
		return st.name
	}
	if st.canonicalAlias != "" {
		return matrix.DisplayNameFromID(st.canonicalAlias)
	}
	switch n := st.joinedCount(); {
	case n == 2:
		if id, info, ok := st.otherMember(b.userID); ok {
			if info.displayName != "" {
				return info.displayName
			}
			return matrix.DisplayNameFromID(id)
		}
	case n > 2:
		return fmt.Sprintf("Group (%d members)", n)
	}
	return matrix.DisplayNameFromID(roomID)
}

func (b *Builder) resolveAvatar(st *roomState, direct bool) string {
	if st.avatarURL != "" {
		return st.avatarURL
	}
	if direct {
		if _, info, ok := st.otherMember(b.userID); ok {
			return info.avatarURL
		}
	}
	return ""
}

// Joined builds the summary for a joined room from its sync block.
func (b *Builder) Joined(roomID string, room *matrix.JoinedRoom) *Summary {
	st := b.collectState(room.State.Events, room.Timeline.Events)

	partner := b.directPartner(roomID, room.AccountData.Events)
	direct := partner != "" || st.isDirect || room.Summary.IsDirect

	return &Summary{
		RoomID:            roomID,
		Membership:        MembershipJoined,
		Name:              b.resolveName(roomID, st, direct, partner),
		Topic:             st.topic,
		AvatarURL:         b.resolveAvatar(st, direct),
		IsDirect:          direct,
		NotificationCount: room.Summary.NotificationCount,
		HighlightCount:    room.Summary.HighlightCount,
	}
}

// Invited builds the summary for a pending invite from its stripped state.
// Invites always render as a person, the direct partner or the inviter,
// before any room name the stripped state carries.
func (b *Builder) Invited(roomID string, room *matrix.InvitedRoom) *Summary {
	st := b.collectState(room.InviteState.Events)

	partner := b.directPartner(roomID, nil)
	direct := partner != "" || st.isDirect || st.name == ""

	name := ""
	switch {
	case partner != "":
		name = st.memberName(partner)
	case st.inviterID != "":
		name = st.memberName(st.inviterID)
	}
	if name == "" {
		name = b.resolveName(roomID, st, direct, partner)
	}

	return &Summary{
		RoomID:     roomID,
		Membership: MembershipInvited,
		Name:       name,
		Topic:      st.topic,
		AvatarURL:  b.resolveAvatar(st, direct),
		IsDirect:   direct,
		InviterID:  st.inviterID,
	}
}

// IsPlaceholderName reports whether a stored room name is just the raw
// room id, which a later delta with real state should replace.
func IsPlaceholderName(name string) bool {
	return name == "" || strings.HasPrefix(name, "!")
}
