package broker

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	queue string
	msg   amqp.Publishing
}

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeServer is an in-memory stand-in for RabbitMQ shared by every fake
// connection it hands out.
type fakeServer struct {
	mu          sync.Mutex
	dialErr     error
	dials       int
	conns       []*fakeConn
	published   []published
	declared    map[string]int
	consumes    map[string]int
	qos         map[string]int
	consumers   map[string]*fakeChannel
	settlements []settlement
	nextTag     uint64
	publishErr  error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		declared:  map[string]int{},
		consumes:  map[string]int{},
		qos:       map[string]int{},
		consumers: map[string]*fakeChannel{},
	}
}

func (s *fakeServer) Dial(string, amqp.Config) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	conn := &fakeConn{server: s}
	s.conns = append(s.conns, conn)
	return conn, nil
}

func (s *fakeServer) setDialErr(err error) {
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) consumeCount(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumes[queue]
}

func (s *fakeServer) publishedTo(queue string) []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []published
	for _, p := range s.published {
		if p.queue == queue {
			out = append(out, p)
		}
	}
	return out
}

func (s *fakeServer) settled() []settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement(nil), s.settlements...)
}

// dropActive simulates the broker closing the newest connection.
func (s *fakeServer) dropActive() {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	conn.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "forced"})
}

// deliver pushes a message to the current consumer of queue.
func (s *fakeServer) deliver(queue string, body []byte, headers amqp.Table) uint64 {
	s.mu.Lock()
	ch := s.consumers[queue]
	s.nextTag++
	tag := s.nextTag
	s.mu.Unlock()
	ch.deliveries <- amqp.Delivery{
		Acknowledger: s,
		DeliveryTag:  tag,
		Body:         body,
		Headers:      headers,
		ContentType:  "application/json",
	}
	return tag
}

func (s *fakeServer) Ack(tag uint64, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements = append(s.settlements, settlement{tag: tag, ack: true})
	return nil
}

func (s *fakeServer) Nack(tag uint64, _ bool, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settlements = append(s.settlements, settlement{tag: tag, requeue: requeue})
	return nil
}

func (s *fakeServer) Reject(tag uint64, requeue bool) error {
	return s.Nack(tag, false, requeue)
}

type fakeConn struct {
	server *fakeServer

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{conn: c, deliveries: make(chan amqp.Delivery, 64)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConn) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify, channels := c.notify, c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeChannel struct {
	conn       *fakeConn
	deliveries chan amqp.Delivery

	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queues must be durable")
	}
	s := ch.conn.server
	s.mu.Lock()
	s.declared[name]++
	s.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	s := ch.conn.server
	s.mu.Lock()
	s.qos[""] = prefetchCount
	s.mu.Unlock()
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	s := ch.conn.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, published{queue: key, msg: msg})
	return nil
}

func (ch *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto ack not allowed")
	}
	s := ch.conn.server
	s.mu.Lock()
	s.consumes[queue]++
	s.qos[queue] = s.qos[""]
	s.consumers[queue] = ch
	s.mu.Unlock()
	return ch.deliveries, nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) Close() error {
	ch.shutdown()
	return nil
}

func (ch *fakeChannel) shutdown() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	notify := ch.notify
	ch.mu.Unlock()
	close(ch.deliveries)
	for _, n := range notify {
		close(n)
	}
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}
