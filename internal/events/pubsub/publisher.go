// Package pubsub publishes events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Publisher sends JSON payloads to topics of one project. Topic handles are
// opened on first use and kept until Stop.
type Publisher struct {
	client     *pubsub.Client
	propagator propagation.TextMapPropagator

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithPropagator replaces the global otel propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(pub *Publisher) { pub.propagator = p }
}

// New wraps a client. The caller closes the client after Stop.
func New(client *pubsub.Client, opts ...Option) *Publisher {
	p := &Publisher{
		client:     client,
		propagator: otel.GetTextMapPropagator(),
		topics:     make(map[string]*pubsub.Topic),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals payload, sends it to topic and waits for the
// server-assigned message id. An event "type" field, when present, is copied
// to the attributes along with the caller's trace context.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	attrs := attributesFor(data)
	p.propagator.Inject(ctx, propagation.MapCarrier(attrs))

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Stop flushes and stops every opened topic.
func (p *Publisher) Stop() {
	p.mu.Lock()
	topics := p.topics
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	for _, t := range topics {
		t.Stop()
	}
}

func attributesFor(data []byte) map[string]string {
	attrs := make(map[string]string, 4)
	var head struct {
		Type       string `json:"type"`
		ExternalID string `json:"yok_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return attrs
	}
	if head.Type != "" {
		attrs["type"] = head.Type
	}
	if head.ExternalID != "" {
		attrs["yok_id"] = head.ExternalID
	}
	return attrs
}
