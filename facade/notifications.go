package facade

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/dedup"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/writepolicy"
)

var DefaultNotificationsCache = CacheConfig{TTL: 3 * time.Minute, MaxSize: 100}

var DefaultNotificationsWindow = Window{Factor: 2}

const (
	notificationsPageSize = 20
	notificationsLive     = 10

	// notificationsScope groups read receipts in the batch writer.
	notificationsScope = "notifications"
)

type notificationPage = cursorPage[Notification]

/*
Notifications caches a user's notification inbox and keeps live listeners on
it.

Inbox pages are cached per user, category and read filter. A live listener
reports only newly added notifications; if the store cannot serve its ordered
query, it is replaced by an unordered listener that sorts on the client.
*/
type Notifications struct {
	deps   Deps
	users  *Users
	window Window
	logger zerolog.Logger

	pages *cache.Cache[notificationPage]
	loads *dedup.Group[notificationPage]
}

func NewNotifications(d Deps, users *Users, cfg CacheConfig, window Window) (*Notifications, error) {
	d = d.withDefaults()
	pages, err := newCache[notificationPage](d, "notifications", cfg)
	if err != nil {
		return nil, err
	}
	if window == (Window{}) {
		window = DefaultNotificationsWindow
	}
	return &Notifications{
		deps:   d,
		users:  users,
		window: window,
		logger: d.Logger.With().Str("component", "facade").Str("facade", "notifications").Logger(),
		pages:  pages,
		loads:  dedup.New[notificationPage]("notifications", d.Metrics),
	}, nil
}

func inboxKey(userID, category string, unreadOnly bool) string {
	if category == "" {
		category = "all"
	}
	filter := "all"
	if unreadOnly {
		filter = "unread"
	}
	return fmt.Sprintf("%s_%s_%s", userID, category, filter)
}

func inCategory(n Notification, category string) bool {
	return category == "" || category == "all" || n.Type == category
}

// Load returns the newest page of userID's inbox, optionally restricted to one category and to unread notifications.
func (n *Notifications) Load(ctx context.Context, userID, category string, unreadOnly bool) (Page[Notification], error) {
	key := inboxKey(userID, category, unreadOnly)
	if p, ok := n.pages.Get(key); ok {
		return clonePage(p.Page), nil
	}

	p, err := n.loads.Do(ctx, key, func(ctx context.Context) (notificationPage, error) {
		q := docstore.Query{}.
			Where("receiverId", docstore.Eq, userID).
			Order("timestamp", docstore.Desc).
			WithLimit(n.window.Size(notificationsPageSize))
		docs, err := queryWithFallback(ctx, n.deps.Store, n.logger, NotificationsCollection, q)
		if err != nil {
			n.logger.Error().Err(err).Str("key", key).Msg("inbox query failed")
			return notificationPage{}, err
		}

		all := n.decode(ctx, docs)
		items := slices.DeleteFunc(all, func(x Notification) bool {
			return !inCategory(x, category) || (unreadOnly && x.IsRead)
		})
		slices.SortStableFunc(items, func(a, b Notification) int { return b.Timestamp.Compare(a.Timestamp) })

		p := notificationPage{Page: Page[Notification]{Items: items, HasMore: len(items) > notificationsPageSize}}
		if p.HasMore {
			p.Items = p.Items[:notificationsPageSize]
		}
		if len(docs) > 0 {
			p.last = &docs[len(docs)-1]
		}
		n.pages.Set(key, p)
		return p, nil
	})
	if err != nil {
		return Page[Notification]{}, err
	}
	return clonePage(p.Page), nil
}

// LoadMore fetches the page after the cached one and appends it. It returns only the new notifications.
func (n *Notifications) LoadMore(ctx context.Context, userID, category string, unreadOnly bool) (Page[Notification], error) {
	key := inboxKey(userID, category, unreadOnly)
	cur, ok := n.pages.Get(key)
	if !ok || cur.last == nil || !cur.HasMore {
		return Page[Notification]{}, nil
	}

	q := docstore.Query{}.
		Where("receiverId", docstore.Eq, userID).
		Order("timestamp", docstore.Desc).
		After(cur.last).
		WithLimit(notificationsPageSize)
	docs, err := queryWithFallback(ctx, n.deps.Store, n.logger, NotificationsCollection, q)
	if err != nil {
		n.logger.Error().Err(err).Str("key", key).Msg("inbox load more failed")
		return Page[Notification]{}, err
	}

	items := slices.DeleteFunc(n.decode(ctx, docs), func(x Notification) bool {
		return !inCategory(x, category) || (unreadOnly && x.IsRead)
	})
	next := Page[Notification]{Items: items, HasMore: len(docs) == notificationsPageSize}

	merged := notificationPage{
		Page: Page[Notification]{Items: append(slices.Clone(cur.Items), items...), HasMore: next.HasMore},
		last: cur.last,
	}
	if len(docs) > 0 {
		merged.last = &docs[len(docs)-1]
	}
	n.pages.Set(key, merged)
	return clonePage(next), nil
}

// decode turns documents into notifications and attaches sender profiles.
func (n *Notifications) decode(ctx context.Context, docs []docstore.Document) []Notification {
	out := make([]Notification, len(docs))
	var senders []string
	for i, d := range docs {
		out[i] = decodeNotification(d)
		if id := out[i].SenderID; id != "" && !slices.Contains(senders, id) {
			senders = append(senders, id)
		}
	}
	if n.users == nil || len(senders) == 0 {
		return out
	}

	users, err := n.users.GetMany(ctx, senders)
	if err != nil {
		n.logger.Warn().Err(err).Int("senders", len(senders)).Msg("sender lookup incomplete")
	}
	for i := range out {
		u, ok := users[out[i].SenderID]
		if !ok {
			continue
		}
		sender := Author{Username: u.Username}
		if out[i].Sender != nil {
			sender = *out[i].Sender
		}
		if name := cmp.Or(u.DisplayName, u.FullName); name != "" {
			sender.DisplayName = name
		}
		if u.ProfileURL != "" {
			sender.ProfileURL = u.ProfileURL
		}
		out[i].Sender = &sender
	}
	return out
}

func liveKey(userID, category string) string {
	if category == "" {
		category = "all"
	}
	return "notifications_" + userID + "_" + category
}

func fallbackKey(userID string) string { return "notifications_fallback_" + userID }

/*
Listen calls cb for every notification added to userID's inbox in category
("" or "all" for every category).

The listener watches the 10 newest notifications and is registered with the
connection manager under category notifications, scoped to the user. If it
fails, an unordered fallback listener takes over.
*/
func (n *Notifications) Listen(ctx context.Context, userID, category string, cb func(Notification)) error {
	q := docstore.Query{}.
		Where("receiverId", docstore.Eq, userID).
		Order("timestamp", docstore.Desc).
		WithLimit(notificationsLive)
	ln := listenSpec{key: liveKey(userID, category), scope: userID, category: connmgr.Notifications}

	return listen(ctx, n.deps, ln, func(ctx context.Context, touch func(), fail docstore.ErrorFunc) (docstore.Unsubscribe, error) {
		return n.deps.Store.Subscribe(ctx, NotificationsCollection, q, func(s docstore.Snapshot) {
			touch()
			for _, d := range s.Added() {
				if x := decodeNotification(d); inCategory(x, category) {
					cb(x)
				}
			}
		}, fail)
	}, func(error) {
		// detached: the caller's ctx may be long gone when the listener fails
		if err := n.listenFallback(context.WithoutCancel(ctx), userID, category, cb); err != nil {
			n.logger.Error().Err(err).Str("user", userID).Msg("fallback listener not opened")
		}
	})
}

// listenFallback watches the whole inbox without ordering and reports each of the 10 newest notifications once.
func (n *Notifications) listenFallback(ctx context.Context, userID, category string, cb func(Notification)) error {
	q := docstore.Query{}.Where("receiverId", docstore.Eq, userID)
	ln := listenSpec{key: fallbackKey(userID), scope: userID, category: connmgr.Notifications}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	return listen(ctx, n.deps, ln, func(ctx context.Context, touch func(), fail docstore.ErrorFunc) (docstore.Unsubscribe, error) {
		return n.deps.Store.Subscribe(ctx, NotificationsCollection, q, func(s docstore.Snapshot) {
			touch()
			latest := make([]Notification, len(s.Docs))
			for i, d := range s.Docs {
				latest[i] = decodeNotification(d)
			}
			slices.SortStableFunc(latest, func(a, b Notification) int { return b.Timestamp.Compare(a.Timestamp) })
			if len(latest) > notificationsLive {
				latest = latest[:notificationsLive]
			}

			mu.Lock()
			var fresh []Notification
			for _, x := range latest {
				if !seen[x.ID] {
					seen[x.ID] = true
					fresh = append(fresh, x)
				}
			}
			mu.Unlock()

			for _, x := range fresh {
				if inCategory(x, category) {
					cb(x)
				}
			}
		}, fail)
	}, nil)
}

// Cleanup closes userID's listeners and drops their cached inbox pages.
func (n *Notifications) Cleanup(userID string) int {
	closed := n.deps.Conns.RemoveByScope(userID)
	n.pages.InvalidateFunc(func(key string, _ notificationPage) bool {
		return strings.HasPrefix(key, userID+"_")
	})
	return closed
}

/*
MarkRead queues read receipts for ids on the batch writer and marks every
cached copy read right away; unread-only pages drop them. The receipts reach
the store on the writer's next flush. If any receipt fails to commit, the
cached pages are restored to their state before the call.
*/
func (n *Notifications) MarkRead(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	saved := n.pages.Patch(func(key string, p notificationPage) (notificationPage, bool) {
		return markPageRead(p, ids, strings.HasSuffix(key, "_unread"))
	})
	var once sync.Once
	restore := func(err error) {
		once.Do(func() {
			n.logger.Warn().Err(err).Int("notifications", len(ids)).Msg("read receipts failed, restoring cached pages")
			n.pages.Restore(saved)
		})
	}

	now := n.deps.Clock.Now()
	for _, id := range ids {
		err := n.deps.Writer.OnWrite(ctx, writepolicy.Mutation{
			ScopeID:    notificationsScope,
			Collection: NotificationsCollection,
			ID:         id,
			Fields:     map[string]any{"isRead": true, "readAt": docstore.ServerTimestamp},
			EnqueuedAt: now,
			Done: func(err error) {
				if err != nil {
					restore(err)
				}
			},
		})
		if err != nil {
			restore(err)
			return err
		}
	}
	return nil
}

// markPageRead marks ids read in p. With unreadOnly they are removed instead.
func markPageRead(p notificationPage, ids []string, unreadOnly bool) (notificationPage, bool) {
	changed := false
	items := make([]Notification, 0, len(p.Items))
	for _, x := range p.Items {
		if x.IsRead || !slices.Contains(ids, x.ID) {
			items = append(items, x)
			continue
		}
		changed = true
		if unreadOnly {
			continue
		}
		x.IsRead = true
		items = append(items, x)
	}
	if !changed {
		return p, false
	}
	p.Items = items
	return p, true
}

// MarkAllRead marks every unread notification of userID read.
func (n *Notifications) MarkAllRead(ctx context.Context, userID string) error {
	q := docstore.Query{}.
		Where("receiverId", docstore.Eq, userID).
		Where("isRead", docstore.Eq, false)
	docs, err := n.deps.Store.Query(ctx, NotificationsCollection, q)
	if err != nil {
		n.logger.Error().Err(err).Str("user", userID).Msg("unread lookup failed")
		return err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return n.MarkRead(ctx, ids...)
}

// UnreadCount returns how many unread notifications the first unread page of category holds.
func (n *Notifications) UnreadCount(ctx context.Context, userID, category string) (int, error) {
	p, err := n.Load(ctx, userID, category, true)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, x := range p.Items {
		if !x.IsRead {
			count++
		}
	}
	return count, nil
}

func (n *Notifications) ClearCache() { n.pages.Clear() }

func (n *Notifications) PurgeExpired() int { return n.pages.PurgeExpired() }

func (n *Notifications) CacheStats() []cache.Stats { return []cache.Stats{n.pages.Stats()} }
