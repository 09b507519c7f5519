// Package eventbus provides the pub/sub transport job-lifecycle events and
// chat fan-out are distributed over. The core is explicitly single-process
// (§1 Non-goals: no distributed orchestration), so the default bus is a
// plain in-process fan-out; when config.EventsConfig.NATSURL is set the same
// Bus interface is backed by a real NATS connection instead, giving the
// fleet manager room to grow into a multi-process deployment without any
// caller-visible change.
package eventbus

import (
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Bus publishes byte payloads on a subject and delivers them to every
// active subscriber of that subject.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func(), err error)
	Close() error
}

// NewBus returns a NATSBus connected to url, or an InProcessBus when url is
// empty — the single switch point config.EventsConfig documents.
func NewBus(url string, log *logger.Logger) (Bus, error) {
	if url == "" {
		return NewInProcessBus(), nil
	}
	return NewNATSBus(url, log)
}

// InProcessBus fans messages out to in-process subscribers only, via plain
// goroutine-safe callback dispatch. No network, no persistence.
type InProcessBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]func([]byte)
	next int
}

// NewInProcessBus returns an empty in-process bus.
func NewInProcessBus() *InProcessBus {
	return &InProcessBus{subs: make(map[string]map[int]func([]byte))}
}

func (b *InProcessBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.subs[subject] {
		handler(data)
	}
	return nil
}

func (b *InProcessBus) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]func([]byte))
	}
	id := b.next
	b.next++
	b.subs[subject][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[subject], id)
	}, nil
}

func (b *InProcessBus) Close() error { return nil }

// NATSBus adapts a real NATS connection to the Bus interface.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBus connects to url with bounded reconnect attempts, logging
// disconnects and reconnects since a chat-manager or job-executor publish
// happening during an outage must not block or panic — NATS's async
// reconnect handles that, this just makes it observable.
func NewNATSBus(url string, log *logger.Logger) (*NATSBus, error) {
	l := log.WithFields(zap.String("component", "eventbus"))
	conn, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBus{conn: conn, log: l}, nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
