package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dist-adapter/ea-framework/internal/model"
)

// Remote is a Redis sorted-set backed subscription set, per spec.md
// §4.2: `ZADD key score=expiresAt member=canonical(params)`, with
// `getAll` trimming past-due members via `ZREMRANGEBYSCORE key -inf now`
// before returning the live set.
type Remote struct {
	client redis.UniversalClient
	key    string
}

// NewRemote creates a remote subscription set scoped to a single
// (endpoint, transport) sorted-set key.
func NewRemote(client redis.UniversalClient, setKey string) *Remote {
	return &Remote{client: client, key: setKey}
}

func (s *Remote) Add(ctx context.Context, params map[string]any, ttl time.Duration, cacheKey string) error {
	member, err := memberString(params, cacheKey)
	if err != nil {
		return err
	}

	score := float64(time.Now().Add(ttl).UnixMilli())

	// ZADD GT only raises the score, implementing "two concurrent adds
	// with overlapping params yield the max expiresAt" (spec.md §4.2)
	// as a single round trip instead of a read-modify-write.
	return s.client.ZAddArgs(ctx, s.key, redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: score, Member: member}},
	}).Err()
}

func (s *Remote) GetAll(ctx context.Context) ([]model.SubscriptionEntry, error) {
	now := time.Now()
	nowMs := float64(now.UnixMilli())

	if err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", fmt.Sprintf("%f", nowMs)).Err(); err != nil {
		return nil, fmt.Errorf("subscription: trim expired: %w", err)
	}

	members, err := s.client.ZRangeWithScores(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("subscription: scan set: %w", err)
	}

	out := make([]model.SubscriptionEntry, 0, len(members))
	for _, z := range members {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		params, cacheKey, err := decodeMember(member)
		if err != nil {
			continue
		}
		out = append(out, model.SubscriptionEntry{
			Params:    params,
			ExpiresAt: time.UnixMilli(int64(z.Score)),
			CacheKey:  cacheKey,
		})
	}
	return out, nil
}

func (s *Remote) Remove(ctx context.Context, params map[string]any) error {
	// Stored members also carry the cache key, so match on params alone.
	want, err := memberString(params, "")
	if err != nil {
		return err
	}
	members, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("subscription: scan set: %w", err)
	}
	for _, m := range members {
		p, _, err := decodeMember(m)
		if err != nil {
			continue
		}
		if got, err := memberString(p, ""); err == nil && got == want {
			if err := s.client.ZRem(ctx, s.key, m).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// wireMember is the JSON envelope stored as a sorted-set member: the
// canonical params plus the cache key, so GetAll can reconstruct a full
// SubscriptionEntry without a second round trip per entry.
type wireMember struct {
	Params   map[string]any `json:"p"`
	CacheKey string         `json:"k"`
}

func memberString(params map[string]any, cacheKey string) (string, error) {
	data, err := json.Marshal(wireMember{Params: params, CacheKey: cacheKey})
	if err != nil {
		return "", fmt.Errorf("subscription: encode member: %w", err)
	}
	return string(data), nil
}

func decodeMember(raw string) (map[string]any, string, error) {
	var w wireMember
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, "", err
	}
	return w.Params, w.CacheKey, nil
}
