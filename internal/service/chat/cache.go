package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"keepchat/internal/models"
	"keepchat/internal/redis"
)

const (
	transcriptTTL = 30 * time.Minute
	versionTTL    = 24 * time.Hour
)

// noVersion marks a read whose version could not be taken; such reads are
// never cached.
const noVersion int64 = -1

var errStaleRead = errors.New("transcript changed during read")

// transcriptCache keeps full chat records in redis so that repeated restores
// of the same chat skip the message query. Every mutation bumps the chat's
// version and evicts; a record read under an older version is not stored.
type transcriptCache struct {
	client *redis.Client
}

func newTranscriptCache(client *redis.Client) *transcriptCache {
	return &transcriptCache{client: client}
}

func (c *transcriptCache) key(chatID int64) string {
	return c.client.Key("chat", strconv.FormatInt(chatID, 10))
}

func (c *transcriptCache) versionKey(chatID int64) string {
	return c.client.Key("chat", strconv.FormatInt(chatID, 10), "ver")
}

func (c *transcriptCache) load(ctx context.Context, userID, chatID int64) (*models.Chat, bool) {
	if c == nil || !c.client.Enabled() {
		return nil, false
	}
	var rec models.Chat
	if err := c.client.GetJSON(ctx, c.key(chatID), &rec); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("chat: load cached transcript %d failed: %v", chatID, err)
		}
		return nil, false
	}
	if rec.Creator != userID {
		return nil, false
	}
	return &rec, true
}

// version must be taken before the database read whose result is stored.
func (c *transcriptCache) version(ctx context.Context, chatID int64) int64 {
	if c == nil || !c.client.Enabled() {
		return noVersion
	}
	v, err := c.client.Raw().Get(ctx, c.versionKey(chatID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0
	}
	if err != nil {
		log.Printf("chat: read transcript version %d failed: %v", chatID, err)
		return noVersion
	}
	return v
}

// store writes rec only if no mutation has bumped the chat's version since
// ver was read.
func (c *transcriptCache) store(ctx context.Context, rec *models.Chat, ver int64) {
	if c == nil || rec == nil || ver == noVersion || !c.client.Enabled() {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Printf("chat: encode transcript %d failed: %v", rec.ChatID, err)
		return
	}
	verKey := c.versionKey(rec.ChatID)
	err = c.client.Raw().Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, verKey).Int64()
		if errors.Is(err, goredis.Nil) {
			cur = 0
		} else if err != nil {
			return err
		}
		if cur != ver {
			return errStaleRead
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, c.key(rec.ChatID), payload, transcriptTTL)
			return nil
		})
		return err
	}, verKey)
	if err != nil && !errors.Is(err, errStaleRead) && !errors.Is(err, goredis.TxFailedErr) {
		log.Printf("chat: cache transcript %d failed: %v", rec.ChatID, err)
	}
}

func (c *transcriptCache) invalidate(ctx context.Context, chatIDs ...int64) {
	if c == nil || len(chatIDs) == 0 || !c.client.Enabled() {
		return
	}
	keys := make([]string, 0, len(chatIDs))
	_, err := c.client.Raw().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range chatIDs {
			pipe.Incr(ctx, c.versionKey(id))
			pipe.Expire(ctx, c.versionKey(id), versionTTL)
			keys = append(keys, c.key(id))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		log.Printf("chat: evict transcripts failed: %v", err)
	}
}
