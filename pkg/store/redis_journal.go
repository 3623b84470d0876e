package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wasmkeel/keel/pkg/journal"
)

// redisOpTimeout bounds every Redis round trip so the capability contract of
// finite-wait reads and writes holds even when the server is unreachable.
const redisOpTimeout = 5 * time.Second

// RedisJournal appends encoded frames to a Redis stream via XADD. Stream
// entry IDs are server-assigned and monotonic, giving the single total order
// concurrent producers require. Reads page through XRANGE and never block:
// io.EOF means no further entries at this moment.
//
// This backend trades local durability for shared visibility; Redis
// persistence configuration decides crash behavior, which is weaker than the
// fsync-per-write log file. Callers needing both compose it behind a
// Broadcast with a local backend.
type RedisJournal struct {
	client *redis.Client
	key    string
	reader journal.Readable
}

// NewRedisJournal creates a journal on the stream named key.
func NewRedisJournal(addr, password string, db int, key string) *RedisJournal {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisJournal{client: rdb, key: key}
}

// NewRedisJournalWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisJournalWithClient(client *redis.Client, key string) *RedisJournal {
	return &RedisJournal{client: client, key: key}
}

// Write appends one entry to the stream.
func (j *RedisJournal) Write(e *journal.Entry) error {
	frame, err := journal.Encode(e)
	if err != nil {
		return err
	}
	// Stream fields are self-delimiting; store the frame without the stream
	// length prefix so the field holds exactly what Decode expects.
	frame = frame[4:]

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	err = j.client.XAdd(ctx, &redis.XAddArgs{
		Stream: j.key,
		Values: map[string]interface{}{"frame": frame},
	}).Err()
	if err != nil {
		return &journal.StorageError{Backend: "redis", Op: "write", Err: err}
	}
	return nil
}

// Read advances the journal's own cursor.
func (j *RedisJournal) Read() (*journal.Entry, error) {
	if j.reader == nil {
		j.reader = &redisCursor{client: j.client, key: j.key, lastID: "0-0"}
	}
	return j.reader.Read()
}

// AsRestarted returns an independent cursor at the start of the stream.
func (j *RedisJournal) AsRestarted() (journal.Readable, error) {
	return &redisCursor{client: j.client, key: j.key, lastID: "0-0"}, nil
}

// Close releases the client connection.
func (j *RedisJournal) Close() error {
	return j.client.Close()
}

type redisCursor struct {
	client *redis.Client
	key    string
	lastID string
}

func (c *redisCursor) Read() (*journal.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	msgs, err := c.client.XRangeN(ctx, c.key, "("+c.lastID, "+", 1).Result()
	if err != nil {
		return nil, &journal.StorageError{Backend: "redis", Op: "read", Err: err}
	}
	if len(msgs) == 0 {
		return nil, io.EOF
	}

	msg := msgs[0]
	raw, ok := msg.Values["frame"].(string)
	if !ok {
		return nil, fmt.Errorf("redis entry %s: missing frame field", msg.ID)
	}

	e, err := journal.Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("redis entry %s: %w", msg.ID, err)
	}
	c.lastID = msg.ID
	return e, nil
}

func (c *redisCursor) AsRestarted() (journal.Readable, error) {
	return &redisCursor{client: c.client, key: c.key, lastID: "0-0"}, nil
}

func (c *redisCursor) Close() error { return nil }
