package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/amora-chat/amora/service/rt/wire"
	errs "github.com/amora-chat/amora/tools/errs"
)

// Call sessions are short-lived signaling records keyed by call id. They
// expire on their own; the media layer owns nothing here.

const callTTL = 2 * time.Hour

func callKey(callID string) string { return "amora:call:" + callID }

// SaveCall stores a freshly created call session.
func (s *Store) SaveCall(ctx context.Context, c wire.CallPayload) error {
	fields := map[string]any{
		"call_id":             c.CallID,
		"caller_id":           c.CallerID,
		"caller_username":     c.CallerUsername,
		"caller_display_name": c.CallerDisplayName,
		"recipient_id":        c.RecipientID,
		"channel_name":        c.ChannelName,
		"call_type":           c.CallType,
		"status":              c.Status,
		"created_at":          c.CreatedAt,
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, callKey(c.CallID), fields)
	pipe.Expire(ctx, callKey(c.CallID), callTTL)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "save call")
}

// GetCall loads a call session; errs.ErrCallNotFound if absent or expired.
func (s *Store) GetCall(ctx context.Context, callID string) (wire.CallPayload, error) {
	m, err := s.rdb.HGetAll(ctx, callKey(callID)).Result()
	if err != nil {
		return wire.CallPayload{}, errors.Wrap(err, "get call")
	}
	if len(m) == 0 {
		return wire.CallPayload{}, errs.ErrCallNotFound
	}
	return callFromHash(m), nil
}

// UpdateCallStatus applies a status transition with a Watch-based
// compare-and-set. Terminal statuses are monotonic: any transition away
// from one fails with errs.ErrCallConflict.
func (s *Store) UpdateCallStatus(ctx context.Context, callID, status string) (wire.CallPayload, error) {
	var out wire.CallPayload
	key := callKey(callID)

	txn := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return errs.ErrCallNotFound
		}
		if wire.IsTerminalCallStatus(m["status"]) {
			return errs.ErrCallConflict.WithDetail("status=" + m["status"])
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", status)
			return nil
		})
		if err != nil {
			return err
		}
		out = callFromHash(m)
		out.Status = status
		return nil
	}

	// Retry on Watch races: two sides resolving the same call at once.
	for i := 0; i < 3; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return wire.CallPayload{}, err
		}
		return out, nil
	}
	return wire.CallPayload{}, errs.ErrCallConflict.WithDetail("concurrent update")
}

func callFromHash(m map[string]string) wire.CallPayload {
	c := wire.CallPayload{
		CallID:            m["call_id"],
		CallerID:          m["caller_id"],
		CallerUsername:    m["caller_username"],
		CallerDisplayName: m["caller_display_name"],
		RecipientID:       m["recipient_id"],
		ChannelName:       m["channel_name"],
		CallType:          m["call_type"],
		Status:            m["status"],
	}
	if v, ok := m["created_at"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			c.CreatedAt = ms
		}
	}
	return c
}
