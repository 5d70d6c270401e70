// Package broker is a reconnecting RabbitMQ client. Publishes issued while
// the broker is unreachable are buffered and flushed in order once a
// connection is re-established; registered consumers are re-subscribed after
// every reconnect.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/metrics"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("broker: client closed")
	// ErrDiscard, when wrapped by a handler error, acknowledges the message
	// without retrying it.
	ErrDiscard = errors.New("broker: discard message")
)

// State is the connection lifecycle state.
type State int

// Connection states. Closed is terminal.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults applied by New.
const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultDeadLetterSuffix = "dead"
	heartbeat               = 10 * time.Second
)

// Config configures the client.
type Config struct {
	URL            string
	QueuePrefix    string
	ConnectionName string
	ReconnectDelay time.Duration
	// MaxRedeliveries caps failed attempts before a message moves to the
	// dead-letter queue. Zero requeues failed messages forever.
	MaxRedeliveries  int
	DeadLetterSuffix string
	// TracerProvider and Propagator default to the otel globals.
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

// Handler processes one message body. Returning nil acknowledges the
// message; an error hands it to the redelivery policy.
type Handler func(ctx context.Context, body []byte) error

// ConsumeOptions tunes one subscription.
type ConsumeOptions struct {
	// Prefetch bounds the unacknowledged deliveries in flight.
	Prefetch int
}

type pendingPublish struct {
	queue string
	msg   amqp.Publishing
}

type subscription struct {
	name     string
	physical string
	handler  Handler
	prefetch int
	// generation is the connection this consumer was last bound to.
	generation uint64
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	dialer Dialer
	logger *zap.Logger

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	conn      Connection
	pubCh     Channel
	pending   []pendingPublish
	consumers map[string]*subscription
	started   bool
	// generation increments with every established connection.
	generation uint64

	// pubMu serialises sends on the shared publish channel.
	pubMu    sync.Mutex
	declared map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	handlers  sync.WaitGroup
}

// New builds a disconnected client. Call Connect to start it.
func New(cfg Config, dialer Dialer, logger *zap.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.DeadLetterSuffix == "" {
		cfg.DeadLetterSuffix = DefaultDeadLetterSuffix
	}
	if dialer == nil {
		dialer = AMQPDialer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		dialer:     dialer,
		logger:     logger,
		tracer:     cfg.TracerProvider.Tracer(instrumentationName),
		propagator: cfg.Propagator,
		state:      StateDisconnected,
		changed:    make(chan struct{}),
		consumers:  make(map[string]*subscription),
		declared:   make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// QueueName maps a logical queue name to its namespaced broker name.
func (c *Client) QueueName(logical string) string {
	if c.cfg.QueuePrefix == "" {
		return logical
	}
	return c.cfg.QueuePrefix + ":" + logical
}

func (c *Client) deadLetterName(physical string) string {
	return physical + "." + c.cfg.DeadLetterSuffix
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of buffered publishes.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect starts the background connection loop. It returns immediately;
// use WaitConnected to block until the broker is reachable.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	go c.run()
	return nil
}

// WaitConnected blocks until the client is connected, closed, or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.waitFor(ctx, func() bool { return c.state == StateConnected })
}

// Flush blocks until the client is connected with an empty publish buffer.
func (c *Client) Flush(ctx context.Context) error {
	return c.waitFor(ctx, func() bool { return c.state == StateConnected && len(c.pending) == 0 })
}

func (c *Client) waitFor(ctx context.Context, ready func() bool) error {
	for {
		c.mu.Lock()
		ok, closed, changed := ready(), c.state == StateClosed, c.changed
		c.mu.Unlock()
		switch {
		case ok:
			return nil
		case closed:
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("wait for broker: %w", ctx.Err())
		}
	}
}

// setStateLocked must be called with c.mu held.
func (c *Client) setStateLocked(s State) {
	if c.state == StateClosed || c.state == s {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	metrics.SetBrokerState(int(s))
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// Publish sends body to the logical queue as a persistent JSON message. While
// the broker is unavailable the message is buffered and nil is returned. The
// caller's trace context travels in the message headers.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	physical := c.QueueName(queue)
	ctx, span := c.tracer.Start(ctx, physical+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttributes(physical)...),
	)
	defer span.End()

	headers := amqp.Table{}
	c.propagator.Inject(ctx, tableCarrier(headers))
	err := c.publish(ctx, physical, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		recordSpanError(span, err)
	}
	return err
}

func (c *Client) publish(ctx context.Context, physical string, msg amqp.Publishing) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnected:
	default:
		c.bufferLocked(physical, msg)
		c.mu.Unlock()
		return nil
	}
	ch := c.pubCh
	c.mu.Unlock()

	err := c.send(ctx, ch, physical, msg)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("publish %s: %w", physical, ctxErr)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("publish %s: %w", physical, err)
	}
	c.bufferLocked(physical, msg)
	conn := c.conn
	c.mu.Unlock()

	c.logger.Warn("publish failed, buffering and reconnecting", zap.String("queue", physical), zap.Error(err))
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// bufferLocked must be called with c.mu held.
func (c *Client) bufferLocked(physical string, msg amqp.Publishing) {
	c.pending = append(c.pending, pendingPublish{queue: physical, msg: msg})
	metrics.SetBrokerPending(len(c.pending))
	c.logger.Debug("broker unavailable, publish buffered",
		zap.String("queue", physical),
		zap.Int("pending", len(c.pending)),
	)
}

func (c *Client) send(ctx context.Context, ch Channel, physical string, msg amqp.Publishing) error {
	if ch == nil {
		return fmt.Errorf("no publish channel")
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if !c.declared[physical] {
		if _, err := ch.QueueDeclare(physical, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", physical, err)
		}
		c.declared[physical] = true
	}
	if err := ch.PublishWithContext(ctx, "", physical, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", physical, err)
	}
	return nil
}

// Consume registers handler for the logical queue. The subscription is
// established now when connected and again after every reconnect.
func (c *Client) Consume(queue string, handler Handler, opts ConsumeOptions) error {
	if handler == nil {
		return fmt.Errorf("consume %s: handler is required", queue)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	sub := &subscription{
		name:     queue,
		physical: c.QueueName(queue),
		handler:  handler,
		prefetch: opts.Prefetch,
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.consumers[queue]; exists {
		c.mu.Unlock()
		return fmt.Errorf("consume %s: already registered", queue)
	}
	c.consumers[queue] = sub
	conn := c.conn
	connected := c.state == StateConnected
	if connected {
		sub.generation = c.generation
	}
	c.mu.Unlock()

	if !connected {
		c.logger.Info("consumer registered, waiting for connection", zap.String("queue", sub.physical))
		return nil
	}
	if err := c.subscribe(conn, sub); err != nil {
		c.logger.Warn("subscribe failed, reconnecting", zap.String("queue", sub.physical), zap.Error(err))
		_ = conn.Close()
	}
	return nil
}

// Close stops reconnecting, closes the connection and waits for in-flight
// handlers to return. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.setStateLocked(StateClosed)
		conn := c.conn
		c.conn, c.pubCh = nil, nil
		started := c.started
		dropped := len(c.pending)
		c.mu.Unlock()

		close(c.done)
		c.cancel()
		if conn != nil {
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = fmt.Errorf("close broker connection: %w", cerr)
			}
		}
		if started {
			<-c.loopDone
		}
		c.handlers.Wait()
		if dropped > 0 {
			c.logger.Warn("broker closed with buffered publishes", zap.Int("pending", dropped))
		}
		c.logger.Info("broker closed")
	})
	return err
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) run() {
	defer close(c.loopDone)
	attempts := 0
	for !c.closed() {
		c.setState(StateConnecting)
		conn, pubCh, err := c.dial()
		if err != nil {
			c.setState(StateDisconnected)
			c.logger.Warn("broker connect failed",
				zap.Error(err),
				zap.Duration("retry_in", c.cfg.ReconnectDelay),
			)
			if !c.sleep(c.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		if attempts > 0 {
			metrics.ObserveBrokerReconnect()
		}
		attempts++

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		pubClosed := pubCh.NotifyClose(make(chan *amqp.Error, 1))
		if !c.attach(conn, pubCh) {
			_ = conn.Close()
			return
		}
		c.logger.Info("broker connected", zap.String("connection", c.cfg.ConnectionName))
		if err := c.establish(conn, pubCh); err != nil {
			c.logger.Warn("broker setup failed, reconnecting", zap.Error(err))
			_ = conn.Close()
		}

		var reason *amqp.Error
		select {
		case reason = <-connClosed:
		case reason = <-pubClosed:
		case <-c.done:
			return
		}
		_ = conn.Close()
		c.detach(conn)
		if c.closed() {
			return
		}
		c.logger.Warn("broker connection lost",
			zap.Any("reason", reason),
			zap.Duration("retry_in", c.cfg.ReconnectDelay),
		)
		if !c.sleep(c.cfg.ReconnectDelay) {
			return
		}
	}
}

func (c *Client) dial() (Connection, Channel, error) {
	props := amqp.NewConnectionProperties()
	if c.cfg.ConnectionName != "" {
		props.SetClientConnectionName(c.cfg.ConnectionName)
	}
	conn, err := c.dialer.Dial(c.cfg.URL, amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, nil, err
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open publish channel: %w", err)
	}
	return conn, pubCh, nil
}

// attach records the new connection; it reports false if Close won the race.
func (c *Client) attach(conn Connection, pubCh Channel) bool {
	c.pubMu.Lock()
	c.declared = make(map[string]bool)
	c.pubMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.conn, c.pubCh = conn, pubCh
	c.generation++
	return true
}

func (c *Client) detach(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn, c.pubCh = nil, nil
	}
	c.setStateLocked(StateDisconnected)
}

// establish drains the pending buffer in FIFO order, subscribes every
// registered consumer not yet bound to this connection, then flips the state
// to connected. Each consumer is claimed under c.mu, so a consumer is bound
// exactly once per connection even when Consume races with a reconnect.
func (c *Client) establish(conn Connection, pubCh Channel) error {
	flushed := 0
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return ErrClosed
		}
		if len(c.pending) > 0 {
			op := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()

			if err := c.send(c.ctx, pubCh, op.queue, op.msg); err != nil {
				c.mu.Lock()
				c.pending = append([]pendingPublish{op}, c.pending...)
				c.mu.Unlock()
				return fmt.Errorf("flush pending publishes: %w", err)
			}
			flushed++
			continue
		}
		var next *subscription
		for _, sub := range c.consumers {
			if sub.generation != c.generation {
				sub.generation = c.generation
				next = sub
				break
			}
		}
		if next == nil {
			c.setStateLocked(StateConnected)
			metrics.SetBrokerPending(0)
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		if err := c.subscribe(conn, next); err != nil {
			return err
		}
	}
	if flushed > 0 {
		c.logger.Info("flushed buffered publishes", zap.Int("count", flushed))
	}
	return nil
}

func (c *Client) subscribe(conn Connection, sub *subscription) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.physical, err)
	}
	if _, err := ch.QueueDeclare(sub.physical, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare %s: %w", sub.physical, err)
	}
	if err := ch.Qos(sub.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("qos %s: %w", sub.physical, err)
	}
	deliveries, err := ch.Consume(sub.physical, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", sub.physical, err)
	}
	c.logger.Info("consumer subscribed",
		zap.String("queue", sub.physical),
		zap.Int("prefetch", sub.prefetch),
	)
	go c.dispatch(sub, deliveries)
	return nil
}

// dispatch runs one handler goroutine per delivery, never more than the
// subscription's prefetch at a time.
func (c *Client) dispatch(sub *subscription, deliveries <-chan amqp.Delivery) {
	sem := make(chan struct{}, sub.prefetch)
	for d := range deliveries {
		select {
		case sem <- struct{}{}:
		case <-c.done:
			return
		}
		if !c.track() {
			return
		}
		go func(d amqp.Delivery) {
			defer func() {
				<-sem
				c.handlers.Done()
			}()
			c.handle(sub, d)
		}(d)
	}
	c.logger.Debug("delivery channel closed", zap.String("queue", sub.physical))
}

// track registers an in-flight handler unless Close has begun. Close moves
// the state to closed under c.mu before it waits on c.handlers.
func (c *Client) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.handlers.Add(1)
	return true
}

func (c *Client) handle(sub *subscription, d amqp.Delivery) {
	start := time.Now()
	ctx := c.propagator.Extract(c.ctx, tableCarrier(d.Headers))
	ctx, span := c.tracer.Start(ctx, sub.physical+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messagingAttributes(sub.physical)...),
		trace.WithAttributes(attribute.Int64("messaging.rabbitmq.delivery_tag", int64(d.DeliveryTag))),
	)
	defer span.End()

	err := c.invoke(ctx, sub, d.Body)
	if err != nil {
		recordSpanError(span, err)
	}
	if err == nil || errors.Is(err, ErrDiscard) {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Warn("ack failed", zap.String("queue", sub.physical), zap.Error(ackErr))
		}
		outcome := metrics.OutcomeAck
		if err != nil {
			outcome = metrics.OutcomeMalformed
			c.logger.Warn("message discarded", zap.String("queue", sub.physical), zap.Error(err))
		}
		metrics.ObserveTask(sub.name, outcome, time.Since(start))
		return
	}
	c.logger.Warn("handler failed",
		zap.String("queue", sub.physical),
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Error(err),
	)
	outcome := c.settleFailure(sub, d, err)
	metrics.ObserveTask(sub.name, outcome, time.Since(start))
}

func (c *Client) invoke(ctx context.Context, sub *subscription, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, body)
}
