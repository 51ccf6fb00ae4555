package facade

import (
	"context"
	"time"
)

// DefaultUsersCache keeps profiles for five minutes.
var DefaultUsersCache = CacheConfig{TTL: 5 * time.Minute, MaxSize: 1000}

// Users caches user profiles. Posts, notifications and hashtag results use it to attach authors.
type Users struct {
	*Entity[User]
}

func NewUsers(d Deps, cfg CacheConfig, chunkSize int) (*Users, error) {
	d = d.withDefaults()
	e, err := newEntity(d, "users", UsersCollection, cfg, chunkSize, decodeUser)
	if err != nil {
		return nil, err
	}
	return &Users{Entity: e}, nil
}

// Authors returns the author info of every id that exists.
func (u *Users) Authors(ctx context.Context, ids []string) (map[string]Author, error) {
	users, err := u.GetMany(ctx, ids)
	out := make(map[string]Author, len(users))
	for id, usr := range users {
		out[id] = usr.Author()
	}
	return out, err
}
