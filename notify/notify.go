// Package notify publishes feedback and metadata events to a Pulse stream
// backed by Redis. It exposes the integration as hooks for the session
// manager: the store write completes first, then the event is published
// best-effort. Publish failures are logged and never fail the persisted
// write. Callers build a Redis client and pass it to New.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/sessiondoc/sessiondoc/session"
)

const (
	defaultStream = "sessiondoc.events"

	// EventFeedbackAdded is published after a feedback append lands.
	EventFeedbackAdded = "feedback_added"
	// EventMetadataUpdated is published after a metadata merge lands.
	EventMetadataUpdated = "metadata_updated"
	// EventMetadataDeleted is published after a metadata unset lands.
	EventMetadataDeleted = "metadata_deleted"
)

type (
	// Options configures the notifier.
	Options struct {
		// Redis is the connection backing the Pulse stream. Required.
		Redis *redis.Client
		// Stream names the target Pulse stream. Defaults to
		// "sessiondoc.events".
		Stream string
		// StreamMaxLen bounds entries kept in the stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// Timeout bounds individual publish operations. Zero means no
		// timeout.
		Timeout time.Duration
	}

	// Envelope wraps one session event for transmission.
	Envelope struct {
		// Type identifies the event kind.
		Type string `json:"type"`
		// SessionID names the session the event belongs to.
		SessionID string `json:"session_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific data.
		Payload any `json:"payload,omitempty"`
	}

	// Notifier publishes session events. Safe for concurrent use.
	Notifier struct {
		stream  streamHandle
		timeout time.Duration
	}

	// streamHandle is the slice of the Pulse stream API the notifier uses.
	streamHandle interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
	}
)

// New builds a notifier publishing to the configured Pulse stream.
func New(opts Options) (*Notifier, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	name := opts.Stream
	if name == "" {
		name = defaultStream
	}
	var streamOptions []streamopts.Stream
	if opts.StreamMaxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
	}
	stream, err := streaming.NewStream(name, opts.Redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &Notifier{stream: pulseStream{stream: stream}, timeout: opts.Timeout}, nil
}

// pulseStream adapts the Pulse stream to the narrow handle the notifier uses.
type pulseStream struct {
	stream *streaming.Stream
}

func (s pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.stream.Add(ctx, event, payload)
}

func newNotifierWithStream(stream streamHandle, timeout time.Duration) *Notifier {
	return &Notifier{stream: stream, timeout: timeout}
}

// FeedbackHook returns a hook that persists the feedback, then publishes a
// feedback_added event carrying the entry as stored.
func (n *Notifier) FeedbackHook() session.FeedbackHook {
	return session.FeedbackHookFunc(func(ctx context.Context, sessionID string, fb session.Feedback, next session.FeedbackNext) (session.Feedback, error) {
		stored, err := next(ctx, fb)
		if err != nil {
			return stored, err
		}
		n.publish(ctx, Envelope{
			Type:      EventFeedbackAdded,
			SessionID: sessionID,
			Payload: map[string]any{
				"rating":     string(stored.Rating),
				"comment":    stored.Comment,
				"created_at": stored.CreatedAt,
			},
		})
		return stored, nil
	})
}

// MetadataHook returns a hook that persists metadata mutations, then
// publishes metadata_updated or metadata_deleted events. Reads pass through
// silently.
func (n *Notifier) MetadataHook() session.MetadataHook {
	return session.MetadataHookFunc(func(ctx context.Context, sessionID string, op session.MetadataOp, next session.MetadataNext) (session.Metadata, error) {
		result, err := next(ctx, op)
		if err != nil {
			return result, err
		}
		switch op := op.(type) {
		case session.MetadataUpdate:
			n.publish(ctx, Envelope{Type: EventMetadataUpdated, SessionID: sessionID, Payload: op.Fields})
		case session.MetadataDelete:
			n.publish(ctx, Envelope{Type: EventMetadataDeleted, SessionID: sessionID, Payload: op.Keys})
		}
		return result, nil
	})
}

// publish is best-effort: failures are logged, never returned, so a
// notification outage cannot fail a write that already landed.
func (n *Notifier) publish(ctx context.Context, envelope Envelope) {
	envelope.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(envelope)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "marshal session event"}, log.KV{K: "event", V: envelope.Type})
		return
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if _, err := n.stream.Add(ctx, envelope.Type, payload); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "publish session event"},
			log.KV{K: "event", V: envelope.Type}, log.KV{K: "session_id", V: envelope.SessionID})
	}
}
