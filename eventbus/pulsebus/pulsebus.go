// Package pulsebus bridges eventbus.Event publications onto Redis-backed
// goa.design/pulse streams, for the out-of-scope dashboard to subscribe to
// across process boundaries.
//
// Grounded on features/stream/pulse/sink.go's envelope-and-publish shape and
// the Pulse client seam in its clients/pulse/client.go (Stream/Add), adapted
// from stream.Event (run/session scoped) to eventbus.Event (task scoped).
package pulsebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/nimbusforge/swarm/eventbus"
)

// Client exposes the subset of Pulse APIs the bridge needs.
type Client interface {
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	Close(ctx context.Context) error
}

// Stream exposes the operations needed to publish events onto a Pulse stream.
type Stream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
}

// Options configures the Bridge.
type Options struct {
	Client       Client
	StreamID     func(eventbus.Event) (string, error)
	StreamMaxLen int
}

// Bridge subscribes to an eventbus.Bus and republishes every event onto a
// per-task Pulse stream.
type Bridge struct {
	client   Client
	streamID func(eventbus.Event) (string, error)
}

// NewBridge constructs a Bridge from opts.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Bridge{client: opts.Client, streamID: streamID}, nil
}

// envelope is the JSON wire shape published to Pulse, matching spec.md §6's
// {type, data, timestamp} Event Bus wire shape.
type envelope struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscribe registers the Bridge as a subscriber on bus, republishing every
// delivered event onto its derived Pulse stream.
func (br *Bridge) Subscribe(ctx context.Context, bus *eventbus.Bus) (eventbus.Subscription, error) {
	return bus.Register(ctx, eventbus.SubscriberFunc(func(ctx context.Context, evt eventbus.Event) error {
		return br.publish(ctx, evt)
	}))
}

func (br *Bridge) publish(ctx context.Context, evt eventbus.Event) error {
	streamID, err := br.streamID(evt)
	if err != nil {
		return err
	}
	stream, err := br.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{Type: string(evt.Type), TaskID: evt.TaskID, Data: evt.Payload, Timestamp: evt.Timestamp}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, env.Type, payload)
	return err
}

func defaultStreamID(evt eventbus.Event) (string, error) {
	if evt.TaskID == "" {
		return "", errors.New("event missing task id")
	}
	return fmt.Sprintf("task/%s", evt.TaskID), nil
}

// pulseClient adapts a Redis connection directly, for callers that don't
// already have a Client wrapper.
type pulseClient struct {
	redis  *redis.Client
	maxLen int
}

// NewRedisClient builds a Client backed by redisClient.
func NewRedisClient(redisClient *redis.Client, maxLen int) Client {
	return &pulseClient{redis: redisClient, maxLen: maxLen}
}

func (c *pulseClient) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &streamHandle{stream: str}, nil
}

func (c *pulseClient) Close(ctx context.Context) error { return nil }

type streamHandle struct {
	stream *streaming.Stream
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return h.stream.Add(ctx, event, payload)
}
