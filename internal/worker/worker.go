// Package worker implements the two crawl stages: list pages that discover
// scholars, and profile pages that fill in each scholar's detail graph.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hivemind-academic/scholar-scraper/internal/broker"
	"github.com/hivemind-academic/scholar-scraper/internal/events"
	"github.com/hivemind-academic/scholar-scraper/internal/fetch"
	"github.com/hivemind-academic/scholar-scraper/internal/repository"
	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
)

// Default queue names and delays.
const (
	DefaultListQueue          = "scholar_tasks"
	DefaultDetailQueue        = "profile_tasks"
	DefaultPageDelay          = time.Second
	DefaultSectionDelay       = 800 * time.Millisecond
	DefaultSectionConcurrency = 3
)

// Store is the persistence surface; *repository.Repository satisfies it.
type Store interface {
	FindScholarByExternalID(ctx context.Context, externalID string) (string, error)
	FindDepartmentByURL(ctx context.Context, url string) (scholar.Department, error)
	CreateScholar(ctx context.Context, stub scholar.Stub, dept *scholar.Department) (string, error)
	UpdateScholarProfile(ctx context.Context, scholarID string, upd scholar.ProfileUpdate) error
	SaveImage(ctx context.Context, scholarID, data string) error
	InsertEducation(ctx context.Context, scholarID string, rows []scholar.Education) (repository.InsertStats, error)
	InsertAcademic(ctx context.Context, scholarID string, rows []scholar.AcademicPosition) (repository.InsertStats, error)
	InsertPublications(ctx context.Context, scholarID string, rows []scholar.Publication) (repository.InsertStats, error)
	InsertCourses(ctx context.Context, scholarID string, rows []scholar.Course) (repository.InsertStats, error)
	InsertTheses(ctx context.Context, scholarID string, rows []scholar.ThesisSupervision) (repository.InsertStats, error)
	InsertDuties(ctx context.Context, scholarID string, rows []scholar.AdministrativeDuty) (repository.InsertStats, error)
}

// Publisher enqueues follow-up tasks; *broker.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Sessions opens fetch sessions; *fetch.Client satisfies it.
type Sessions interface {
	NewSession() fetch.Session
}

// Archiver keeps raw profile pages; *archive.Archiver satisfies it.
type Archiver interface {
	Archive(ctx context.Context, externalID string, body []byte) (string, error)
}

// Notifier announces finished syncs; *events.Notifier satisfies it.
type Notifier interface {
	ScholarSynced(ctx context.Context, ev events.ScholarSynced) (string, error)
}

// Config tunes both workers.
type Config struct {
	ListQueue   string
	DetailQueue string
	// PageDelay separates consecutive list page fetches. Zero selects
	// DefaultPageDelay and a negative value disables the delay.
	PageDelay time.Duration
	// SectionDelay precedes every profile sub-page fetch. Zero and negative
	// values behave as for PageDelay.
	SectionDelay       time.Duration
	SectionConcurrency int
	// ResumePagination republishes a failed list task from the failing
	// page instead of retrying it from the start.
	ResumePagination bool
}

func (c Config) withDefaults() Config {
	if c.ListQueue == "" {
		c.ListQueue = DefaultListQueue
	}
	if c.DetailQueue == "" {
		c.DetailQueue = DefaultDetailQueue
	}
	if c.SectionConcurrency <= 0 {
		c.SectionConcurrency = DefaultSectionConcurrency
	}
	if c.PageDelay == 0 {
		c.PageDelay = DefaultPageDelay
	}
	if c.SectionDelay == 0 {
		c.SectionDelay = DefaultSectionDelay
	}
	return c
}

// discard marks a task that can never succeed so the broker acks it.
func discard(err error) error {
	return fmt.Errorf("%w: %w", broker.ErrDiscard, err)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pageURL prefers the final URL after redirects.
func pageURL(page fetch.Page, requested string) string {
	if page.URL != "" {
		return page.URL
	}
	return requested
}
