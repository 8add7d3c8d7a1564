package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultNATSSubject 是 NATS relay 默认使用的主题
const DefaultNATSSubject = "youplace.pixels"

// NATS 基于 NATS core 发布订阅的 Relay 实现。连接由调用方负责关闭。
type NATS struct {
	conn    *nats.Conn
	subject string

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATS 创建 NATS relay
func NewNATS(conn *nats.Conn, subject string) *NATS {
	if conn == nil {
		panic("nats connection cannot be nil for relay.NATS")
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATS{conn: conn, subject: subject}
}

func (n *NATS) Publish(_ context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("relay: nats publish to %s: %w", n.subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	log := logrus.WithFields(logrus.Fields{"component": "relay", "subject": n.subject})
	sub, err := n.conn.Subscribe(n.subject, func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			log.WithError(err).Warn("Dropping undecodable relay message")
			return
		}
		h(msg)
	})
	if err != nil {
		return fmt.Errorf("relay: nats subscribe to %s: %w", n.subject, err)
	}
	n.subs = append(n.subs, sub)

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			log.WithError(err).Debug("NATS unsubscribe failed")
		}
	}()
	log.Info("NATS relay subscribed")
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, sub := range n.subs {
		_ = sub.Drain()
	}
	n.subs = nil
	return nil
}
