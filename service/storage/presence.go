package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: amora:presence:<user>
// Value is the gateway node id; the TTL bounds how long a user counts as
// online without a heartbeat refresh.
func presenceKey(user string) string { return "amora:presence:" + user }

// PresenceOnline marks the user online and renews the TTL.
func (s *Store) PresenceOnline(ctx context.Context, user, nodeID string, ttl time.Duration) error {
	return errors.Wrap(s.rdb.Set(ctx, presenceKey(user), nodeID, ttl).Err(), "presence online")
}

// PresenceOffline deletes the presence key.
func (s *Store) PresenceOffline(ctx context.Context, user string) error {
	return errors.Wrap(s.rdb.Del(ctx, presenceKey(user)).Err(), "presence offline")
}

// PresenceLookup reports whether the user is online and on which node.
func (s *Store) PresenceLookup(ctx context.Context, user string) (nodeID string, online bool, err error) {
	val, err := s.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "presence lookup")
	}
	return val, true, nil
}
