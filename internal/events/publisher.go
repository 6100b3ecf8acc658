package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"ocrbot/internal/domain"
	"ocrbot/internal/metrics"
)

type Config struct {
	URL         string
	Exchange    string
	RoutingKey  string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// redialBackoff is the pause after a failed dial before the next publish
// may try again.
const redialBackoff = 5 * time.Second

// ErrBrokerUnavailable is returned while the broker connection is down and
// another dial is in progress or backing off.
var ErrBrokerUnavailable = errors.New("amqp broker unavailable")

// AMQPPublisher publishes result envelopes to a durable topic exchange.
// A dropped connection is re-dialed on the next publish. Only one dial runs
// at a time, outside the lock, and publishes during it fail fast.
type AMQPPublisher struct {
	cfg Config
	now func() time.Time
	// dial is replaced in tests.
	dial func(ctx context.Context) (*amqp091.Connection, error)

	mu       sync.Mutex
	conn     *amqp091.Connection
	dialing  bool
	nextDial time.Time
	closed   bool
}

var _ domain.ResultPublisher = (*AMQPPublisher)(nil)

func newPublisher(cfg Config) *AMQPPublisher {
	if cfg.Exchange == "" {
		cfg.Exchange = "ocrbot"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = TypeCompletedV1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	p := &AMQPPublisher{cfg: cfg, now: time.Now}
	p.dial = p.dialBroker
	return p
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg Config) (*AMQPPublisher, error) {
	p := newPublisher(cfg)
	if _, err := p.connection(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) dialBroker(ctx context.Context) (*amqp091.Connection, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(Producer)
	conn, err := amqp091.DialConfig(p.cfg.URL, amqp091.Config{
		Dial:       contextDial(ctx, p.cfg.DialTimeout),
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}
	p.cfg.Logger.Info("amqp connected", "exchange", p.cfg.Exchange)
	return conn, nil
}

// contextDial bounds the TCP connect and the AMQP handshake by timeout and
// by the deadline of ctx, whichever is first. The library clears the
// deadline once the connection is open.
func contextDial(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		deadline := time.Now().Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		dialer := net.Dialer{Deadline: deadline, KeepAlive: 30 * time.Second}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (p *AMQPPublisher) connection(ctx context.Context) (*amqp091.Connection, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, amqp091.ErrClosed
	case p.conn != nil && !p.conn.IsClosed():
		conn := p.conn
		p.mu.Unlock()
		return conn, nil
	case p.dialing:
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: reconnect in progress", ErrBrokerUnavailable)
	case p.now().Before(p.nextDial):
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: next reconnect at %s", ErrBrokerUnavailable, p.nextDial.Format(time.TimeOnly))
	}
	p.dialing = true
	p.mu.Unlock()

	conn, err := p.dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing = false
	if err != nil {
		p.nextDial = p.now().Add(redialBackoff)
		return nil, err
	}
	if p.closed {
		conn.Close()
		return nil, amqp091.ErrClosed
	}
	p.conn = conn
	return conn, nil
}

// PublishResult sends an ocr.completed.v1 envelope for rec.
func (p *AMQPPublisher) PublishResult(ctx context.Context, rec domain.ResultRecord) error {
	err := p.publish(ctx, NewCompleted(rec, p.now()))
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.EventsPublished.WithLabelValues(status).Inc()
	return err
}

func (p *AMQPPublisher) publish(ctx context.Context, env Envelope) error {
	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	cid := uuid.NewString()
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}

	err = ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     env.Meta.ID,
			CorrelationId: cid,
			Type:          env.Meta.Type,
			AppId:         Producer,
			Timestamp:     env.Meta.Time,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Meta.Type, err)
	}
	p.cfg.Logger.Debug("event published", "type", env.Meta.Type, "id", env.Meta.ID, "key", p.cfg.RoutingKey)
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}

// Nop discards results. It stands in when events are disabled.
type Nop struct{}

func (Nop) PublishResult(context.Context, domain.ResultRecord) error { return nil }
func (Nop) Close() error                                             { return nil }

// New returns an AMQPPublisher when enabled, otherwise Nop.
func New(enabled bool, cfg Config) (domain.ResultPublisher, error) {
	if !enabled {
		return Nop{}, nil
	}
	return NewAMQPPublisher(cfg)
}
