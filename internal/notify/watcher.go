package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// Envelope is the wire format published on the jobs:events Redis Pub/Sub
// channel by the Submission API (Report and cancel handlers; the Worker Pool
// reaches it through Report) — the concrete mechanism behind spec.md's otherwise
// unspecified "the Gateway observes Job transitions" (see DESIGN.md Open
// Question 4).
type Envelope struct {
	JobID     string          `json:"jobId"`
	OwnerUser string          `json:"ownerUser,omitempty"`
	Type      string          `json:"type"`
	Job       json.RawMessage `json:"job,omitempty"`
}

// Watcher subscribes to the events channel and feeds the Hub.
type Watcher struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewWatcher constructs a Watcher bound to hub.
func NewWatcher(rdb *redis.Client, channel string, hub *Hub, logger *slog.Logger) *Watcher {
	return &Watcher{rdb: rdb, channel: channel, hub: hub, logger: logger}
}

// Run subscribes and blocks, feeding events to the Hub until ctx is
// cancelled. Delivery is at-most-once (spec.md §4.5): a malformed envelope
// is logged and dropped, never retried.
func (w *Watcher) Run(ctx context.Context) error {
	sub := w.rdb.Subscribe(ctx, w.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				w.logger.Warn("dropping malformed job event", "error", err)
				continue
			}
			w.hub.Publish(env.JobID, env.OwnerUser, Event{Type: env.Type, JobID: env.JobID, Job: env.Job})
		}
	}
}

// Publish publishes an Envelope to the events channel. Used by the
// Submission API, which imports this package only for this helper + the
// Envelope type (it does not construct a Hub).
func Publish(ctx context.Context, rdb *redis.Client, channel string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, channel, body).Err()
}
