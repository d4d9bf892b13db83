// Package presence mirrors the server's online table into Redis so other
// processes (another server instance, an admin tool) can see who is online.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config selects the Redis instance and key namespace
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Keys are <prefix>:online and <prefix>:presence
}

// Event is published on the presence channel for every change
type Event struct {
	Kind       string `json:"kind"` // "online" or "offline"
	UserID     int64  `json:"user_id"`
	SessionID  uint64 `json:"session_id,omitempty"`
	InstanceID string `json:"instance_id"`
	At         int64  `json:"at"`
}

// Entry is the value stored per online identity
type Entry struct {
	SessionID  uint64 `json:"session_id"`
	InstanceID string `json:"instance_id"`
	Since      int64  `json:"since"`
}

// offlineAttempts bounds the WATCH retries in Offline
const offlineAttempts = 5

var errNotOwner = errors.New("entry owned by another instance")

// Redis is a PresenceStore backed by a Redis hash plus a pub/sub channel.
// A nil *Redis is a valid no-op store.
type Redis struct {
	client     *redis.Client
	prefix     string
	instanceID string
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "campus"
	}
	return &Redis{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.NewString(),
	}, nil
}

func (r *Redis) onlineKey() string  { return r.prefix + ":online" }
func (r *Redis) channelKey() string { return r.prefix + ":presence" }

// InstanceID identifies this server process in entries and events
func (r *Redis) InstanceID() string {
	if r == nil {
		return ""
	}
	return r.instanceID
}

// Online records identityID as online on sessionID and publishes the change
func (r *Redis) Online(ctx context.Context, identityID int64, sessionID uint64) error {
	if r == nil || r.client == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	entry, err := json.Marshal(Entry{SessionID: sessionID, InstanceID: r.instanceID, Since: now})
	if err != nil {
		return err
	}
	event, err := json.Marshal(Event{Kind: "online", UserID: identityID, SessionID: sessionID, InstanceID: r.instanceID, At: now})
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.onlineKey(), strconv.FormatInt(identityID, 10), entry)
	pipe.Publish(ctx, r.channelKey(), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence online %d: %w", identityID, err)
	}
	return nil
}

// Offline removes identityID and publishes the change, unless the entry now
// belongs to another instance.
func (r *Redis) Offline(ctx context.Context, identityID int64) error {
	if r == nil || r.client == nil {
		return nil
	}
	event, err := json.Marshal(Event{Kind: "offline", UserID: identityID, InstanceID: r.instanceID, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	key := r.onlineKey()
	field := strconv.FormatInt(identityID, 10)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, field).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var entry Entry
		if json.Unmarshal(raw, &entry) == nil && entry.InstanceID != r.instanceID {
			return errNotOwner
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, field)
			pipe.Publish(ctx, r.channelKey(), event)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < offlineAttempts; attempt++ {
		err = r.client.Watch(ctx, txf, key)
		switch {
		case err == nil, errors.Is(err, errNotOwner):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return fmt.Errorf("presence offline %d: %w", identityID, err)
		}
	}
	return fmt.Errorf("presence offline %d: %w", identityID, err)
}

// IsOnline reports whether any instance has identityID online
func (r *Redis) IsOnline(ctx context.Context, identityID int64) (bool, error) {
	_, ok, err := r.Lookup(ctx, identityID)
	return ok, err
}

// Lookup returns the stored entry for identityID
func (r *Redis) Lookup(ctx context.Context, identityID int64) (*Entry, bool, error) {
	if r == nil || r.client == nil {
		return nil, false, nil
	}
	raw, err := r.client.HGet(ctx, r.onlineKey(), strconv.FormatInt(identityID, 10)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("presence entry for %d: %w", identityID, err)
	}
	return &entry, true, nil
}

// Purge drops every entry this instance wrote
func (r *Redis) Purge(ctx context.Context) error {
	if r == nil || r.client == nil {
		return nil
	}
	all, err := r.client.HGetAll(ctx, r.onlineKey()).Result()
	if err != nil {
		return err
	}
	var stale []string
	for id, raw := range all {
		var entry Entry
		if json.Unmarshal([]byte(raw), &entry) == nil && entry.InstanceID == r.instanceID {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return r.client.HDel(ctx, r.onlineKey(), stale...).Err()
}

// Subscribe streams presence events until ctx is done
func (r *Redis) Subscribe(ctx context.Context) (<-chan Event, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("presence store not configured")
	}
	sub := r.client.Subscribe(ctx, r.channelKey())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// Close releases the Redis connection pool
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
