package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"codeberg.org/securechat/server/securechat/messages"
)

// persisted history lives at most this long; rooms are ephemeral anyway
const messageTTL = 24 * time.Hour

// RedisStore mirrors room history into Redis. Each room keeps a hash of
// message bodies plus a sorted set for ordering; a per-user index set
// supports purge-by-author.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Ready() bool {
	return s.client != nil
}

func (s *RedisStore) Close() {
	s.client.Close() //nolint:errcheck,gosec // best-effort cleanup on shutdown
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func roomBodyKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

func roomOrderKey(roomID string) string {
	return fmt.Sprintf("room:%s:order", roomID)
}

func userIndexKey(userID string) string {
	return fmt.Sprintf("user:%s:messages", userID)
}

func (s *RedisStore) Save(ctx context.Context, msg *messages.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, roomBodyKey(msg.RoomID), msg.ID, string(data))
	pipe.ZAdd(ctx, roomOrderKey(msg.RoomID), redis.Z{
		Score:  float64(msg.Timestamp.UnixMilli()),
		Member: msg.ID,
	})
	pipe.SAdd(ctx, userIndexKey(msg.UserID), msg.RoomID+"/"+msg.ID)
	pipe.Expire(ctx, roomBodyKey(msg.RoomID), messageTTL)
	pipe.Expire(ctx, roomOrderKey(msg.RoomID), messageTTL)
	pipe.Expire(ctx, userIndexKey(msg.UserID), messageTTL)

	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Edit(ctx context.Context, msg *messages.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return s.client.HSet(ctx, roomBodyKey(msg.RoomID), msg.ID, string(data)).Err()
}

func (s *RedisStore) Delete(ctx context.Context, roomID, messageID string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, roomBodyKey(roomID), messageID)
	pipe.ZRem(ctx, roomOrderKey(roomID), messageID)

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteAllByUser(ctx context.Context, userID string) (int64, error) {
	entries, err := s.client.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return 0, err
	}

	var deleted int64

	for _, entry := range entries {
		roomID, messageID, ok := strings.Cut(entry, "/")
		if !ok {
			continue
		}

		if err := s.Delete(ctx, roomID, messageID); err != nil {
			return deleted, err
		}
		deleted++
	}

	if err := s.client.Del(ctx, userIndexKey(userID)).Err(); err != nil {
		return deleted, err
	}

	return deleted, nil
}

func (s *RedisStore) LoadRecent(ctx context.Context, roomID string, limit int) ([]*messages.Message, error) {
	ids, err := s.client.ZRevRange(ctx, roomOrderKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := s.client.HMGet(ctx, roomBodyKey(roomID), ids...).Result()
	if err != nil {
		return nil, err
	}

	// ZRevRange is newest first; callers expect oldest first
	recent := make([]*messages.Message, 0, len(bodies))

	for i := len(bodies) - 1; i >= 0; i-- {
		raw, ok := bodies[i].(string)
		if !ok {
			continue
		}

		var msg messages.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		recent = append(recent, &msg)
	}

	return recent, nil
}

func (s *RedisStore) ClearRoom(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, roomBodyKey(roomID), roomOrderKey(roomID)).Err()
}
