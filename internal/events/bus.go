package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/comigor/ollamachat/internal/logger"
)

// Topic is the single topic every event is published on.
const Topic = "chat.events"

const subscriberBuffer = 256

// Bus fans events out to subscribers over an in-process watermill pub/sub.
// Publishing blocks until every subscriber has taken the message, which keeps
// per-subscriber ordering intact.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu  sync.Mutex
	seq uint64
}

func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, NewWatermillLogger(logger.L)),
	}
}

// Publish stamps the event with the next sequence number and sends it.
func (b *Bus) Publish(e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(e.Type))
	msg.Metadata.Set("seq", strconv.FormatUint(e.Seq, 10))
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Subscribe returns decoded events until ctx is done or the bus is closed.
// A subscriber that falls behind by more than its buffer loses events; the
// sequence numbers expose the gap.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Topic, err)
	}
	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				logger.L.Error("dropping undecodable event", "uuid", msg.UUID, logger.Err(err))
				msg.Ack()
				continue
			}
			select {
			case out <- e:
			default:
				logger.L.Warn("subscriber is behind, dropping event", "type", e.Type, "seq", e.Seq)
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// WatermillLogger adapts slog to watermill's logger interface.
type WatermillLogger struct {
	logger *slog.Logger
}

func NewWatermillLogger(l *slog.Logger) *WatermillLogger {
	return &WatermillLogger{logger: l}
}

func attrs(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error(msg, append(attrs(fields), logger.Err(err))...)
}

// Info maps to debug; watermill is chatty.
func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, attrs(fields)...)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, attrs(fields)...)
}

func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Log(context.Background(), slog.LevelDebug-4, msg, attrs(fields)...)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{logger: w.logger.With(attrs(fields)...)}
}

var _ watermill.LoggerAdapter = &WatermillLogger{}
