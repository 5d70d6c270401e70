package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/metrics"
)

// Headers carried by republished messages.
const (
	HeaderRedeliveries = "x-redelivery-count"
	HeaderLastError    = "x-last-error"
)

const republishTimeout = 10 * time.Second

// settleFailure applies the redelivery policy to a failed delivery and
// returns the recorded outcome.
func (c *Client) settleFailure(sub *subscription, d amqp.Delivery, cause error) string {
	if c.cfg.MaxRedeliveries <= 0 {
		c.nack(sub, d)
		return metrics.OutcomeNack
	}

	count := redeliveryCount(d.Headers) + 1
	target, outcome := sub.physical, metrics.OutcomeRequeued
	if count > c.cfg.MaxRedeliveries {
		target, outcome = c.deadLetterName(sub.physical), metrics.OutcomeDeadLetter
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRedeliveries] = int64(count)
	headers[HeaderLastError] = cause.Error()

	ctx, cancel := context.WithTimeout(context.Background(), republishTimeout)
	defer cancel()
	if err := c.sendConnected(ctx, target, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         d.Body,
	}); err != nil {
		c.logger.Warn("republish failed, requeueing in place",
			zap.String("queue", target),
			zap.Error(err),
		)
		c.nack(sub, d)
		return metrics.OutcomeNack
	}
	if err := d.Ack(false); err != nil {
		c.logger.Warn("ack after republish failed", zap.String("queue", sub.physical), zap.Error(err))
	}
	if outcome == metrics.OutcomeDeadLetter {
		c.logger.Error("message dead-lettered",
			zap.String("queue", sub.physical),
			zap.String("dead_letter_queue", target),
			zap.Int("attempts", count),
			zap.Error(cause),
		)
	}
	return outcome
}

func (c *Client) nack(sub *subscription, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.logger.Warn("nack failed", zap.String("queue", sub.physical), zap.Error(err))
	}
}

// sendConnected publishes on the live channel without buffering.
func (c *Client) sendConnected(ctx context.Context, physical string, msg amqp.Publishing) error {
	c.mu.Lock()
	state, ch := c.state, c.pubCh
	c.mu.Unlock()
	if state != StateConnected {
		return fmt.Errorf("broker %s", state)
	}
	return c.send(ctx, ch, physical, msg)
}

func redeliveryCount(headers amqp.Table) int {
	switch v := headers[HeaderRedeliveries].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
