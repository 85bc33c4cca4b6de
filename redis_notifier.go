package jsonbase

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// ChangePublisher propagates "collection changed" events beyond the local
// process. In-process locking never covers multi-tab or multi-process
// deployments; cross-process coordination of writes stays with the remote
// store's conditional PUTs, but a publisher lets sibling processes refresh
// their caches promptly instead of serving stale reads until the next
// forced load.
type ChangePublisher interface {
	Publish(ctx context.Context, collection string) error
}

// changeEvent is the wire format on the pub/sub channel
type changeEvent struct {
	Node       string `json:"node"`
	Collection string `json:"collection"`
}

// RedisNotifier implements ChangePublisher over Redis pub/sub and can run
// the receiving side, force-refreshing a DB when other nodes write.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  Logger
}

// NewRedisNotifier creates a notifier on channel "<prefix>:changes"
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "jsonbase"
	}
	return &RedisNotifier{
		client:  client,
		channel: prefix + ":changes",
		nodeID:  NewUID(),
		logger:  &NoOpLogger{},
	}
}

// SetLogger updates the logger for this notifier
func (n *RedisNotifier) SetLogger(logger Logger) {
	n.logger = logger
}

// NodeID returns this notifier's identity, used to skip self-published events
func (n *RedisNotifier) NodeID() string {
	return n.nodeID
}

// Publish announces a local change to other nodes
func (n *RedisNotifier) Publish(ctx context.Context, collection string) error {
	payload, err := json.Marshal(changeEvent{Node: n.nodeID, Collection: collection})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Run consumes change events until ctx is done, force-refreshing db for
// every collection other nodes report as changed. Events published by
// this node are skipped; the local write path already refreshed the cache.
func (n *RedisNotifier) Run(ctx context.Context, db *DB) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer func() { _ = sub.Close() }() //nolint:errcheck // Deferred close

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev changeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				n.logger.Warn("dropping malformed change event", "payload", msg.Payload)
				continue
			}
			if ev.Node == n.nodeID || ev.Collection == "" {
				continue
			}
			if _, err := db.Load(ctx, ev.Collection, true); err != nil {
				n.logger.Error("remote-triggered refresh failed",
					"collection", ev.Collection,
					"error", err,
				)
			}
		}
	}
}
