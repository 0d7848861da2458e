package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/queue"
)

// Enqueue stores the encoded message as a Hash and adds it to the ready set,
// scored by enqueue time so delivery is oldest-first.
func (s *Store) Enqueue(ctx context.Context, m *queue.Message) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = s.now().UTC()
	}
	body, err := s.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("settle/redis: enqueue encode: %w", err)
	}

	mID := m.ID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, msgKey(mID), fieldBody, body, fieldAttempt, 0)
	pipe.ZAdd(ctx, readyKey, goredis.Z{
		Score:  float64(m.EnqueuedAt.UnixNano()),
		Member: mID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settle/redis: enqueue: %w", err)
	}
	return nil
}

// Receive returns up to max due messages, rotating each one's receipt handle
// and parking it in the in-flight set until its visibility deadline. Expired
// in-flight messages are requeued first, so redelivery needs no separate
// sweeper. Blocks up to wait when the queue is empty.
func (s *Store) Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]*queue.Delivery, error) {
	deadline := s.now().Add(wait)
	for {
		deliveries, err := s.receiveOnce(ctx, max, visibility)
		if err != nil || len(deliveries) > 0 {
			return deliveries, err
		}
		if wait <= 0 || !s.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *Store) receiveOnce(ctx context.Context, max int, visibility time.Duration) ([]*queue.Delivery, error) {
	now := s.now()

	if err := s.requeueExpired(ctx, now); err != nil {
		return nil, err
	}

	if max <= 0 {
		max = 1
	}
	members, err := s.client.ZPopMin(ctx, readyKey, int64(max)).Result()
	if err != nil {
		return nil, fmt.Errorf("settle/redis: receive zpopmin: %w", err)
	}

	var out []*queue.Delivery
	for _, z := range members {
		mID, ok := z.Member.(string)
		if !ok {
			continue
		}

		body, err := s.client.HGet(ctx, msgKey(mID), fieldBody).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				// Payload gone; drop the dangling queue entry.
				continue
			}
			return nil, fmt.Errorf("settle/redis: receive payload: %w", err)
		}
		m, err := s.codec.Decode([]byte(body))
		if err != nil {
			s.logger.Error("dropping undecodable message", "message_id", mID, "error", err)
			s.client.Del(ctx, msgKey(mID))
			continue
		}

		handle := uuid.NewString()
		visibleAgain := now.Add(visibility)

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, msgKey(mID), fieldHandle, handle)
		pipe.HIncrBy(ctx, msgKey(mID), fieldAttempt, 1)
		pipe.ZAdd(ctx, inflightKey, goredis.Z{
			Score:  float64(visibleAgain.UnixNano()),
			Member: mID,
		})
		cmds, err := pipe.Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("settle/redis: receive park: %w", err)
		}
		attempt, _ := cmds[1].(*goredis.IntCmd).Result()

		m.Attempt = int(attempt)
		out = append(out, &queue.Delivery{
			Message:        *m,
			ReceiptHandle:  handle,
			VisibleAgainAt: visibleAgain,
		})
	}
	return out, nil
}

// requeueExpired moves in-flight messages past their visibility deadline
// back to the ready set and invalidates their handles. Two consumers racing
// here at worst requeue the same message twice; the extra delivery is
// absorbed by the claim CAS downstream.
func (s *Store) requeueExpired(ctx context.Context, now time.Time) error {
	expired, err := s.client.ZRangeByScore(ctx, inflightKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixNano()),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("settle/redis: requeue scan: %w", err)
	}

	for _, mID := range expired {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey, mID)
		pipe.HDel(ctx, msgKey(mID), fieldHandle)
		pipe.ZAdd(ctx, readyKey, goredis.Z{
			Score:  float64(now.UnixNano()),
			Member: mID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("settle/redis: requeue move: %w", err)
		}
	}
	return nil
}

// ExtendVisibility pushes the delivery's visibility deadline, conditioned on
// the receipt handle still being current.
func (s *Store) ExtendVisibility(ctx context.Context, msgID id.MessageID, receiptHandle string, extension time.Duration) error {
	mID := msgID.String()
	if err := s.checkHandle(ctx, mID, receiptHandle); err != nil {
		return err
	}

	// The message must still be in flight; a requeued message is no longer
	// this delivery's to extend.
	if _, err := s.client.ZScore(ctx, inflightKey, mID).Result(); err != nil {
		if errors.Is(err, goredis.Nil) {
			return settle.ErrMessageNotFound
		}
		return fmt.Errorf("settle/redis: extend score: %w", err)
	}

	err := s.client.ZAdd(ctx, inflightKey, goredis.Z{
		Score:  float64(s.now().Add(extension).UnixNano()),
		Member: mID,
	}).Err()
	if err != nil {
		return fmt.Errorf("settle/redis: extend: %w", err)
	}
	return nil
}

// Ack removes the message permanently, conditioned on the receipt handle.
func (s *Store) Ack(ctx context.Context, msgID id.MessageID, receiptHandle string) error {
	mID := msgID.String()
	if err := s.checkHandle(ctx, mID, receiptHandle); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, mID)
	pipe.ZRem(ctx, readyKey, mID)
	pipe.Del(ctx, msgKey(mID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settle/redis: ack: %w", err)
	}
	return nil
}

func (s *Store) checkHandle(ctx context.Context, mID, receiptHandle string) error {
	current, err := s.client.HGet(ctx, msgKey(mID), fieldHandle).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return settle.ErrMessageNotFound
		}
		return fmt.Errorf("settle/redis: handle check: %w", err)
	}
	if current != receiptHandle {
		return settle.ErrMessageNotFound
	}
	return nil
}
