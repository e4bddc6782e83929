package notification

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"NetScope/internal/config"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Bridge relays hub events to NATS, one subject per event name.
type Bridge struct {
	publish func(subject string, data []byte) error
	drain   func() error
	prefix  string
	sub     *Subscription
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

// NewBridge connects to NATS and subscribes to the hub. Call Start to begin relaying.
func NewBridge(cfg config.NATSConfig, hub *Hub, logger *logrus.Logger) (*Bridge, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("netscope-monitor"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Infof("Connected to NATS server at %s", cfg.URL)
	return newBridge(nc.Publish, nc.Drain, cfg.SubjectPrefix, hub, logger), nil
}

func newBridge(publish func(string, []byte) error, drain func() error, prefix string, hub *Hub, logger *logrus.Logger) *Bridge {
	return &Bridge{
		publish: publish,
		drain:   drain,
		prefix:  prefix,
		sub:     hub.Subscribe(),
		logger:  logger,
	}
}

// Start relays events until the subscription is closed.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range b.sub.Events() {
			data, err := EncodeEvent(ev)
			if err != nil {
				b.logger.WithError(err).WithField("event", ev.Name).Error("Failed to encode event for NATS")
				continue
			}
			if err := b.publish(b.prefix+"."+ev.Name, data); err != nil {
				b.logger.WithError(err).WithField("event", ev.Name).Warn("Failed to publish event to NATS")
			}
		}
	}()
}

// Close stops relaying and drains the NATS connection.
func (b *Bridge) Close() {
	b.sub.Close()
	b.wg.Wait()
	if b.drain != nil {
		if err := b.drain(); err != nil {
			b.logger.WithError(err).Warn("Failed to drain NATS connection")
			return
		}
		b.logger.Info("NATS connection drained and closed.")
	}
}

// EncodeEvent serializes an event to a protobuf Struct:
// {"event": name, "time": RFC3339Nano, "data": {...payload}}.
func EncodeEvent(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}

	msg, err := structpb.NewStruct(map[string]interface{}{
		"event": ev.Name,
		"time":  ev.Time.UTC().Format(time.RFC3339Nano),
		"data":  payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build event struct: %w", err)
	}
	return proto.Marshal(msg)
}
