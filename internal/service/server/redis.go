package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// RedisPending is the production PendingStore. One hash-free layout:
// the message body lives under relay:msg:<id> with a key TTL matching the
// message expiry, and relay:pending:<user> is the set of ids queued for
// that user. Expiry is therefore redis's job; List just prunes set members
// whose message key is gone.
type RedisPending struct {
	rdb *redis.Client
}

func NewRedisPending(rdb *redis.Client) *RedisPending {
	return &RedisPending{rdb: rdb}
}

func msgKey(id string) string       { return "relay:msg:" + id }
func pendingKey(user string) string { return "relay:pending:" + user }

func (p *RedisPending) Queue(ctx context.Context, msg *model.RelayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	ttl := time.Until(msg.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("message %s already expired", msg.ID)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, msgKey(msg.ID), data, ttl)
	pipe.SAdd(ctx, pendingKey(msg.RecipientID), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue relay message: %w", err)
	}
	return nil
}

func (p *RedisPending) List(ctx context.Context, userID string) ([]model.RelayMessage, error) {
	ids, err := p.rdb.SMembers(ctx, pendingKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending ids: %w", err)
	}

	var out []model.RelayMessage
	for _, id := range ids {
		raw, err := p.rdb.Get(ctx, msgKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			// Expired under us; drop the dangling set member.
			p.rdb.SRem(ctx, pendingKey(userID), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load pending message: %w", err)
		}

		var msg model.RelayMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode pending message: %w", err)
		}
		if msg.RecipientID != userID {
			continue
		}

		msg.DeliveryAttempts++
		if data, err := json.Marshal(&msg); err == nil {
			p.rdb.Set(ctx, msgKey(id), data, redis.KeepTTL)
		}
		out = append(out, msg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *RedisPending) Delete(ctx context.Context, userID, messageID string) (bool, error) {
	raw, err := p.rdb.Get(ctx, msgKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		p.rdb.SRem(ctx, pendingKey(userID), messageID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load message for delete: %w", err)
	}

	var msg model.RelayMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return false, fmt.Errorf("decode message for delete: %w", err)
	}
	if msg.RecipientID != userID {
		// Only the recipient may acknowledge; report not held.
		return false, nil
	}

	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, msgKey(messageID))
	pipe.SRem(ctx, pendingKey(userID), messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete relay message: %w", err)
	}
	return true, nil
}
