// Package events announces completed scholar syncs to downstream services.
package events

import (
	"context"
	"time"

	"github.com/hivemind-academic/scholar-scraper/internal/clock/system"
)

// TypeScholarSynced marks a finished detail crawl.
const TypeScholarSynced = "scholar.synced"

// ScholarSynced is published after a scholar's detail graph is persisted.
// Sections maps a section name to the number of rows gathered.
type ScholarSynced struct {
	Type       string         `json:"type"`
	ScholarID  string         `json:"scholar_id"`
	ExternalID string         `json:"yok_id"`
	ProfileURL string         `json:"profile_url"`
	Sections   map[string]int `json:"sections"`
	SyncedAt   time.Time      `json:"synced_at"`
}

// Publisher delivers an event payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock stamps events.
type Clock interface {
	Now() time.Time
}

// Notifier binds a Publisher to one topic.
type Notifier struct {
	publisher Publisher
	topic     string
	clock     Clock
}

// NotifierOption customizes a Notifier.
type NotifierOption func(*Notifier)

// WithClock replaces the wall clock.
func WithClock(c Clock) NotifierOption {
	return func(n *Notifier) { n.clock = c }
}

// NewNotifier returns a Notifier publishing to topic.
func NewNotifier(publisher Publisher, topic string, opts ...NotifierOption) *Notifier {
	n := &Notifier{publisher: publisher, topic: topic, clock: system.New()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ScholarSynced publishes ev, filling in Type and SyncedAt when empty.
func (n *Notifier) ScholarSynced(ctx context.Context, ev ScholarSynced) (string, error) {
	if ev.Type == "" {
		ev.Type = TypeScholarSynced
	}
	if ev.SyncedAt.IsZero() {
		ev.SyncedAt = n.clock.Now()
	}
	return n.publisher.Publish(ctx, n.topic, ev)
}
