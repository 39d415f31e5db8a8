// Package events defines the downstream event payloads and publishers that
// fan decisions out to other systems.
package events

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// Topic names.
const (
	TopicPublished     = "article.published"
	TopicArchived      = "article.archived"
	TopicEditRequested = "article.edit_requested"
	TopicEscalated     = "article.escalated"
)

// Event is the payload published for every downstream action.
type Event struct {
	ID        string           `json:"event_id"`
	Topic     string           `json:"topic"`
	ArticleID string           `json:"article_id"`
	Decision  article.Decision `json:"decision"`
	Actor     string           `json:"actor"`
	State     article.State    `json:"state"`
	Version   int              `json:"version"`
	Title     string           `json:"title,omitempty"`
	URL       string           `json:"url,omitempty"`
	Rationale string           `json:"rationale,omitempty"`
	At        time.Time        `json:"occurred_at"`
}

// New builds an event for a, stamped with a fresh ID.
func New(topic string, a *article.Article, d article.Decision, actor, rationale string, at time.Time) Event {
	return Event{
		ID:        ulid.Make().String(),
		Topic:     topic,
		ArticleID: a.ID,
		Decision:  d,
		Actor:     actor,
		State:     a.State,
		Version:   a.Version,
		Title:     a.Title,
		URL:       a.URL,
		Rationale: rationale,
		At:        at.UTC(),
	}
}

// Validate reports a missing required field.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: event id is required", article.ErrValidation)
	case e.Topic == "":
		return fmt.Errorf("%w: event topic is required", article.ErrValidation)
	case e.ArticleID == "":
		return fmt.Errorf("%w: event article_id is required", article.ErrValidation)
	}
	return nil
}

// Publisher sends an event to a topic.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the structured log. It is the default when
// no broker is configured.
type LogPublisher struct {
	logger log.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger log.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	p.logger.Info(ctx, "event published",
		"event_id", e.ID,
		"topic", e.Topic,
		"article_id", e.ArticleID,
		"decision", e.Decision,
		"state", e.State,
		"version", e.Version,
	)
	return nil
}

// Memory records events in order. Useful in tests and dev.
type Memory struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemory creates an empty recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// FailWith makes subsequent Publish calls return err. Nil restores success.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Publish records e.
func (m *Memory) Publish(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything published, optionally filtered by topic.
func (m *Memory) Events(topic string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if topic == "" {
		return slices.Clone(m.events)
	}
	var out []Event
	for _, e := range m.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
