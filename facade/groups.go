package facade

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/dedup"
	"github.com/krisalay/client-cache/docstore"
)

var DefaultGroupsCache = CacheConfig{TTL: 10 * time.Minute, MaxSize: 50}

const (
	userGroupsLimit        = 20
	defaultMessagePageSize = 20
)

// MemberOpKind is a membership change.
type MemberOpKind string

const (
	MemberAdd    MemberOpKind = "add"
	MemberRemove MemberOpKind = "remove"
	MemberUpdate MemberOpKind = "update"
)

type MemberOp struct {
	Kind   MemberOpKind
	UserID string
	Role   string
}

/*
Groups caches group documents and their member lists, and owns the realtime
listeners on group message streams. Every message listener is scoped to its
group, so Leave closes all of them at once.
*/
type Groups struct {
	*Entity[Group]

	deps       Deps
	members    *cache.Cache[[]GroupMember]
	userGroups *dedup.Group[[]Group]
	logger     zerolog.Logger
}

func NewGroups(d Deps, cfg CacheConfig, chunkSize int) (*Groups, error) {
	d = d.withDefaults()
	e, err := newEntity(d, "groups", GroupsCollection, cfg, chunkSize, decodeGroup)
	if err != nil {
		return nil, err
	}
	members, err := newCache[[]GroupMember](d, "groups.members", cfg)
	if err != nil {
		return nil, err
	}
	return &Groups{
		Entity:     e,
		deps:       d,
		members:    members,
		userGroups: dedup.New[[]Group]("groups.user", d.Metrics),
		logger:     d.Logger.With().Str("component", "facade").Str("facade", "groups").Logger(),
	}, nil
}

// UserGroups returns the 20 most recently updated groups userID belongs to and caches each of them.
func (g *Groups) UserGroups(ctx context.Context, userID string) ([]Group, error) {
	return g.userGroups.Do(ctx, userID, func(ctx context.Context) ([]Group, error) {
		q := docstore.Query{}.
			Where("memberIds", docstore.ArrayContains, userID).
			Order("updatedAt", docstore.Desc).
			WithLimit(userGroupsLimit)
		docs, err := queryWithFallback(ctx, g.deps.Store, g.logger, GroupsCollection, q)
		if err != nil {
			g.logger.Error().Err(err).Str("user", userID).Msg("user groups query failed")
			return nil, err
		}
		out := make([]Group, 0, len(docs))
		for _, d := range docs {
			grp := decodeGroup(d)
			g.Put(grp.ID, grp)
			out = append(out, grp)
		}
		return out, nil
	})
}

// Members returns the member list of groupID, cached separately from the group.
func (g *Groups) Members(ctx context.Context, groupID string) ([]GroupMember, error) {
	if m, ok := g.members.Get(groupID); ok {
		return slices.Clone(m), nil
	}
	grp, err := g.GetOne(ctx, groupID)
	if err != nil {
		return nil, err
	}
	g.members.Set(groupID, grp.Members)
	return slices.Clone(grp.Members), nil
}

func messagesKey(groupID string) string { return "group_" + groupID + "_messages" }

/*
SubscribeMessages listens to the latest pageSize messages of groupID and calls
cb with them in chronological order on every change.

The listener is registered under category messages with the group as its
scope. Subscribing again replaces the previous listener.
*/
func (g *Groups) SubscribeMessages(ctx context.Context, groupID string, pageSize int, cb func([]Message)) error {
	if pageSize <= 0 {
		pageSize = defaultMessagePageSize
	}
	coll := fmt.Sprintf(groupMessagesCollectionFmt, groupID)
	q := docstore.Query{}.Order("createdAt", docstore.Desc).WithLimit(pageSize)
	ln := listenSpec{key: messagesKey(groupID), scope: groupID, category: connmgr.Messages}

	return listen(ctx, g.deps, ln, func(ctx context.Context, touch func(), fail docstore.ErrorFunc) (docstore.Unsubscribe, error) {
		return g.deps.Store.Subscribe(ctx, coll, q, func(s docstore.Snapshot) {
			touch()
			msgs := make([]Message, len(s.Docs))
			for i, d := range s.Docs {
				msgs[len(s.Docs)-1-i] = decodeMessage(d)
			}
			cb(msgs)
		}, fail)
	}, nil)
}

// RemoveListener closes the message listener of groupID.
func (g *Groups) RemoveListener(groupID string) bool {
	return g.deps.Conns.Remove(messagesKey(groupID))
}

// Leave closes every listener scoped to groupID and returns how many were closed.
func (g *Groups) Leave(groupID string) int {
	return g.deps.Conns.RemoveByScope(groupID)
}

/*
SendMessage adds a message to groupID and bumps the group's last message and
counter in the same batch. The cached group is updated after the commit.
*/
func (g *Groups) SendMessage(ctx context.Context, groupID, senderID, senderName, text string) (string, error) {
	if _, err := g.GetOne(ctx, groupID); err != nil {
		return "", err
	}

	id := g.deps.Store.NewID()
	writes := []docstore.Write{
		docstore.SetDoc(fmt.Sprintf(groupMessagesCollectionFmt, groupID), id, map[string]any{
			"groupId":   groupID,
			"uid":       senderID,
			"text":      text,
			"status":    "sent",
			"reactions": map[string]any{},
			"createdAt": docstore.ServerTimestamp,
			"updatedAt": docstore.ServerTimestamp,
		}),
		docstore.UpdateDoc(GroupsCollection, groupID, map[string]any{
			"lastMessage": map[string]any{
				"text":       text,
				"senderName": senderName,
				"createdAt":  docstore.ServerTimestamp,
			},
			"messageCount": docstore.Increment(1),
			"updatedAt":    docstore.ServerTimestamp,
		}),
	}
	if err := g.deps.Store.BatchWrite(ctx, writes); err != nil {
		g.logger.Error().Err(err).Str("group", groupID).Msg("send message failed")
		return "", err
	}

	now := g.deps.Clock.Now()
	g.Patch(groupID, func(grp Group) (Group, bool) {
		grp.MessageCount++
		grp.LastMessage = &LastMessage{Text: text, SenderName: senderName, CreatedAt: now}
		grp.UpdatedAt = now
		return grp, true
	})
	return id, nil
}

// UpdateMembers applies ops to the member list of groupID in one write and refreshes the cached copies.
func (g *Groups) UpdateMembers(ctx context.Context, groupID string, ops []MemberOp) error {
	grp, err := g.GetOne(ctx, groupID)
	if err != nil {
		return err
	}

	now := g.deps.Clock.Now()
	members := slices.Clone(grp.Members)
	ids := slices.Clone(grp.MemberIDs)
	for _, op := range ops {
		switch op.Kind {
		case MemberAdd:
			if slices.Contains(ids, op.UserID) {
				continue
			}
			role := op.Role
			if role == "" {
				role = "member"
			}
			members = append(members, GroupMember{UserID: op.UserID, Role: role, JoinedAt: now})
			ids = append(ids, op.UserID)
		case MemberRemove:
			members = slices.DeleteFunc(members, func(m GroupMember) bool { return m.UserID == op.UserID })
			ids = slices.DeleteFunc(ids, func(id string) bool { return id == op.UserID })
		case MemberUpdate:
			if op.Role == "" {
				continue
			}
			for i := range members {
				if members[i].UserID == op.UserID {
					members[i].Role = op.Role
				}
			}
		default:
			return fmt.Errorf("unknown member operation %q", op.Kind)
		}
	}

	encoded := make([]any, len(members))
	for i, m := range members {
		encoded[i] = map[string]any{"userId": m.UserID, "role": m.Role, "joinedAt": m.JoinedAt}
	}
	memberIDs := make([]any, len(ids))
	for i, id := range ids {
		memberIDs[i] = id
	}
	err = g.deps.Store.BatchWrite(ctx, []docstore.Write{docstore.UpdateDoc(GroupsCollection, groupID, map[string]any{
		"members":   encoded,
		"memberIds": memberIDs,
		"updatedAt": docstore.ServerTimestamp,
	})})
	if err != nil {
		g.logger.Error().Err(err).Str("group", groupID).Msg("member update failed")
		return err
	}

	g.Patch(groupID, func(grp Group) (Group, bool) {
		grp.Members = members
		grp.MemberIDs = ids
		grp.UpdatedAt = now
		return grp, true
	})
	g.members.Set(groupID, members)
	return nil
}

func (g *Groups) ClearCache() {
	g.Entity.ClearCache()
	g.members.Clear()
}

func (g *Groups) PurgeExpired() int {
	return g.Entity.PurgeExpired() + g.members.PurgeExpired()
}

func (g *Groups) CacheStats() []cache.Stats {
	return []cache.Stats{g.Entity.Stats().Stats, g.members.Stats()}
}
