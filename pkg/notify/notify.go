// Package notify announces newly persisted results on a watermill topic, either
// in-process (GoChannel) or on Redis Streams for out-of-process consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"github.com/wilhg/wellness/pkg/wellness"
)

// DefaultTopic is used when Settings.Topic is empty.
const DefaultTopic = "wellness.results"

// Settings selects the transport.
type Settings struct {
	RedisAddr string
	Topic     string
}

// Event is the JSON body of a notification. It carries no insight text;
// consumers read the result through the API.
type Event struct {
	ResultID    int64  `json:"result_id"`
	SessionID   string `json:"session_id"`
	WatermarkMs int64  `json:"watermark_ms"`
	InsertedMs  int64  `json:"inserted_ms"`
}

// Notifier publishes Events.
type Notifier struct {
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	closer func() error
}

// New builds a Notifier. With an empty RedisAddr the transport is an
// in-process GoChannel whose subscriber is available through Subscribe.
func New(s Settings, logger watermill.LoggerAdapter) (*Notifier, error) {
	topic := s.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if s.RedisAddr == "" {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, logger)
		return &Notifier{pub: ch, sub: ch, topic: topic, closer: ch.Close}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Notifier{
		pub:   pub,
		topic: topic,
		closer: func() error {
			return errors.Join(pub.Close(), client.Close())
		},
	}, nil
}

// Topic returns the topic events are published on.
func (n *Notifier) Topic() string { return n.topic }

// Publish announces r.
func (n *Notifier) Publish(ctx context.Context, r wellness.Result) error {
	body, err := json.Marshal(Event{
		ResultID:    r.ID,
		SessionID:   r.SessionID,
		WatermarkMs: r.Watermark.UnixMilli(),
		InsertedMs:  r.InsertedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("session_id", r.SessionID)
	msg.SetContext(ctx)
	return n.pub.Publish(n.topic, msg)
}

// Subscribe returns the event stream of the in-process transport.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if n.sub == nil {
		return nil, errors.New("notify: subscribe is only available in-process")
	}
	return n.sub.Subscribe(ctx, n.topic)
}

// InProcess reports whether events stay inside this process.
func (n *Notifier) InProcess() bool { return n.sub != nil }

// Drain decodes events from msgs and hands them to handle until msgs is
// closed. Every message is acked; undecodable ones are dropped.
func Drain(msgs <-chan *message.Message, handle func(context.Context, Event)) {
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err == nil {
			handle(msg.Context(), ev)
		}
		msg.Ack()
	}
}

// Close releases the transport.
func (n *Notifier) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
