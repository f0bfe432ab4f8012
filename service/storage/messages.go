package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Conversation history lives in Redis Streams, one stream per conversation.
// The stream is a rolling window; long-term archival belongs to the CRUD
// tier, not the gateway.

const historyMaxLen = 100_000

// DMKey returns the direct-conversation stream key. Participant order does
// not matter: the pair is sorted so both sides address the same stream.
func DMKey(a, b string) string {
	p := []string{a, b}
	sort.Strings(p)
	return fmt.Sprintf("amora:dm:%s:%s", p[0], p[1])
}

// GroupKey returns the group-channel stream key.
func GroupKey(groupID, channelID string) string {
	return fmt.Sprintf("amora:group:%s:%s", groupID, channelID)
}

// AppendMessage appends one message's fields to the conversation stream.
func (s *Store) AppendMessage(ctx context.Context, stream string, fields map[string]any) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: fields, Approx: true, MaxLen: historyMaxLen}
	id, err := s.rdb.XAdd(ctx, args).Result()
	return id, errors.Wrap(err, "append message")
}

// History returns up to n most recent entries in chronological order.
func (s *Store) History(ctx context.Context, stream string, n int64) ([]redis.XMessage, error) {
	if n <= 0 {
		n = 50
	}
	msgs, err := s.rdb.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, errors.Wrap(err, "history")
	}
	// XRevRange is newest-first; callers want oldest-first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// readKey: amora:read:<stream> hashes message_id -> read count. Streams are
// append-only so receipt counters live beside them.
func readKey(stream string) string { return "amora:read:" + stream }

// MarkRead bumps the read counter for each message id and returns the new
// counts keyed by message id.
func (s *Store) MarkRead(ctx context.Context, stream string, messageIDs []string) (map[string]int64, error) {
	pipe := s.rdb.TxPipeline()
	cmds := make(map[string]*redis.IntCmd, len(messageIDs))
	for _, id := range messageIDs {
		cmds[id] = pipe.HIncrBy(ctx, readKey(stream), id, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "mark read")
	}
	out := make(map[string]int64, len(cmds))
	for id, cmd := range cmds {
		out[id] = cmd.Val()
	}
	return out, nil
}
