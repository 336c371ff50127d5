package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"visiocall/internal/core/domain"
	"visiocall/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceUpdate is the message published on the presence channel.
type PresenceUpdate struct {
	InstanceID  string        `json:"instance_id"`
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
	Online      bool          `json:"online"`
	Timestamp   time.Time     `json:"timestamp"`
}

// presenceEntry is the value stored per user in the online hash.
type presenceEntry struct {
	InstanceID  string    `json:"instance_id"`
	DisplayName string    `json:"display_name"`
	Since       time.Time `json:"since"`
}

// Deletes the user's entry only if this instance still owns it, so a user
// that moved to another instance is not reported offline.
var removeOwnedEntry = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], ARGV[1])
if not current then return 0 end
local ok, entry = pcall(cjson.decode, current)
if ok and entry["instance_id"] == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// PresenceFeed mirrors local presence changes to Redis: a hash of online
// users keyed by user id and a pub/sub channel of updates.
type PresenceFeed struct {
	client     *redis.Client
	channel    string
	key        string
	instanceID string
	logger     *zap.SugaredLogger
}

func NewPresenceFeed(client *redis.Client, channel, key, instanceID string, logger *zap.SugaredLogger) *PresenceFeed {
	return &PresenceFeed{
		client:     client,
		channel:    channel,
		key:        key,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (f *PresenceFeed) InstanceID() string {
	return f.instanceID
}

// PublishPresence records the change in the online hash and announces it.
func (f *PresenceFeed) PublishPresence(ctx context.Context, identity domain.UserIdentity) error {
	ctx, span := tracing.TracePresencePublish(ctx, f.channel, string(identity.UserID))
	defer span.End()

	now := time.Now().UTC()
	update, err := json.Marshal(PresenceUpdate{
		InstanceID:  f.instanceID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Online:      identity.Online,
		Timestamp:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal presence update: %w", err)
	}

	if identity.Online {
		entry, err := json.Marshal(presenceEntry{InstanceID: f.instanceID, DisplayName: identity.DisplayName, Since: now})
		if err != nil {
			return fmt.Errorf("failed to marshal presence entry: %w", err)
		}
		if err := f.client.HSet(ctx, f.key, string(identity.UserID), entry).Err(); err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to store presence: %w", err)
		}
	} else {
		if err := removeOwnedEntry.Run(ctx, f.client, []string{f.key}, string(identity.UserID), f.instanceID).Err(); err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to clear presence: %w", err)
		}
	}

	if err := f.client.Publish(ctx, f.channel, update).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish presence: %w", err)
	}

	f.logger.Debugw("published presence",
		"user_id", identity.UserID,
		"online", identity.Online,
	)
	return nil
}

// OnlineUsers lists every user the hash reports online, across instances,
// sorted by user id.
func (f *PresenceFeed) OnlineUsers(ctx context.Context) ([]domain.UserIdentity, error) {
	entries, err := f.client.HGetAll(ctx, f.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	users := make([]domain.UserIdentity, 0, len(entries))
	for userID, raw := range entries {
		var entry presenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			f.logger.Warnw("skipping malformed presence entry", "user_id", userID, "error", err)
			continue
		}
		users = append(users, domain.UserIdentity{
			UserID:      domain.UserID(userID),
			DisplayName: entry.DisplayName,
			Online:      true,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}

// Subscribe calls handler for every update published by other instances
// until ctx is cancelled.
func (f *PresenceFeed) Subscribe(ctx context.Context, handler func(PresenceUpdate)) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var update PresenceUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				f.logger.Warnw("failed to unmarshal presence update",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip updates from this instance
			if update.InstanceID == f.instanceID {
				continue
			}
			handler(update)
		}
	}
}

// Healthy pings Redis.
func (f *PresenceFeed) Healthy(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Withdraw removes every entry this instance owns. Called on shutdown.
func (f *PresenceFeed) Withdraw(ctx context.Context) error {
	entries, err := f.client.HGetAll(ctx, f.key).Result()
	if err != nil {
		return fmt.Errorf("failed to read presence: %w", err)
	}

	var owned []string
	for userID, raw := range entries {
		var entry presenceEntry
		if json.Unmarshal([]byte(raw), &entry) == nil && entry.InstanceID == f.instanceID {
			owned = append(owned, userID)
		}
	}
	if len(owned) == 0 {
		return nil
	}
	return f.client.HDel(ctx, f.key, owned...).Err()
}
