package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dvbsboard/core"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" env:"DVBS_REDIS_ADDR"`
	Password     string        `json:"password" env:"DVBS_REDIS_PASSWORD"`
	DB           int           `json:"db" env:"DVBS_REDIS_DB"`
	PoolSize     int           `json:"pool_size" env:"DVBS_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements engine.DocumentStore on Redis.
// Data structure:
//   - doc:{collection}:{id} -> hash of field -> JSON-encoded value
//   - doc:{collection}:{id}:changes -> pub/sub channel, one message per write
//   - docs:{collection} -> set of document ids
//
// Every document hash carries the marker field so empty documents still exist.
type Store struct {
	client *redis.Client
}

const markerField = "__doc"

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func docKey(ref core.DocRef) string {
	return fmt.Sprintf("doc:%s:%s", ref.Collection, ref.ID)
}

func changesChannel(ref core.DocRef) string {
	return docKey(ref) + ":changes"
}

func collectionKey(collection string) string {
	return fmt.Sprintf("docs:%s", collection)
}

// Lua script for a single-field update that refuses to create documents.
var updateFieldScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return redis.error_reply('document not found')
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	redis.call('PUBLISH', KEYS[2], ARGV[1])
	return 1
`)

// UpdateField atomically sets one field and notifies listeners.
func (s *Store) UpdateField(ctx context.Context, ref core.DocRef, field string, value any) error {
	if field == markerField {
		return fmt.Errorf("field %q is reserved", field)
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	err = updateFieldScript.Run(ctx, s.client, []string{docKey(ref), changesChannel(ref)}, field, encoded).Err()
	if err != nil {
		if strings.Contains(err.Error(), "document not found") {
			return fmt.Errorf("%s: %w", ref, core.ErrNotFound)
		}
		return fmt.Errorf("failed to update %s.%s: %w", ref, field, err)
	}
	return nil
}

// Set replaces the whole document in one transaction.
func (s *Store) Set(ctx context.Context, ref core.DocRef, doc core.Document) error {
	values := make([]any, 0, 2*len(doc)+2)
	values = append(values, markerField, "1")
	for k, v := range doc {
		encoded, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", ref, k, err)
		}
		values = append(values, k, encoded)
	}
	key := docKey(ref)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, values...)
		p.SAdd(ctx, collectionKey(ref.Collection), ref.ID)
		p.Publish(ctx, changesChannel(ref), "*")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", ref, err)
	}
	return nil
}

// Get reads a document.
func (s *Store) Get(ctx context.Context, ref core.DocRef) (core.Document, error) {
	doc, ok, err := s.read(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, core.ErrNotFound)
	}
	return doc, nil
}

// List returns every document registered in the collection.
func (s *Store) List(ctx context.Context, collection string) (map[string]core.Document, error) {
	ids, err := s.client.SMembers(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	out := make(map[string]core.Document, len(ids))
	for _, id := range ids {
		doc, ok, err := s.read(ctx, core.DocRef{Collection: collection, ID: id})
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = doc
		}
	}
	return out, nil
}

func (s *Store) read(ctx context.Context, ref core.DocRef) (core.Document, bool, error) {
	raw, err := s.client.HGetAll(ctx, docKey(ref)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	doc := make(core.Document, len(raw))
	for k, v := range raw {
		if k == markerField {
			continue
		}
		doc[k] = decodeValue(v)
	}
	return doc, true, nil
}

// Listen subscribes to the document's change channel, then reads the current
// state, so no write between the two is missed. Each message triggers a re-read.
func (s *Store) Listen(ctx context.Context, ref core.DocRef, fn func(core.Snapshot)) (core.Subscription, error) {
	ps := s.client.Subscribe(ctx, changesChannel(ref))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", ref, err)
	}
	sub := &subscription{ps: ps, done: make(chan struct{})}
	go sub.run(ctx, func(ctx context.Context) {
		doc, ok, err := s.read(ctx, ref)
		if err != nil {
			// transient read failures skip one delivery; the next message re-reads
			return
		}
		fn(core.Snapshot{Ref: ref, Exists: ok, Doc: doc})
	})
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

func (s *subscription) run(ctx context.Context, deliver func(context.Context)) {
	defer s.Cancel()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	deliver(ctx)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			deliver(ctx)
		}
	}
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ps.Close()
	})
}

func encodeValue(v any) (string, error) {
	switch n := core.NormalizeValue(v).(type) {
	case int64:
		return strconv.FormatInt(n, 10), nil
	case string, bool:
		b, err := json.Marshal(n)
		return string(b), err
	default:
		return "", fmt.Errorf("unsupported field value %T", v)
	}
}

func decodeValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case string, bool, float64:
		return core.NormalizeValue(v)
	default:
		return s
	}
}
