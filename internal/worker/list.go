package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/repository"
	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
	"github.com/hivemind-academic/scholar-scraper/internal/scrape"
	"github.com/hivemind-academic/scholar-scraper/internal/task"
)

// ListWorker paginates a department listing, saves every new scholar it
// finds, and enqueues one detail task per scholar.
type ListWorker struct {
	store     Store
	publisher Publisher
	sessions  Sessions
	cfg       Config
	logger    *zap.Logger
}

// NewList builds a ListWorker.
func NewList(store Store, publisher Publisher, sessions Sessions, cfg Config, logger *zap.Logger) *ListWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListWorker{
		store:     store,
		publisher: publisher,
		sessions:  sessions,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Handle processes one list task body. It is a broker.Handler.
func (w *ListWorker) Handle(ctx context.Context, body []byte) error {
	msg, err := task.Decode(body, task.KindList)
	if err != nil {
		w.logger.Warn("dropping malformed list task", zap.ByteString("body", body), zap.Error(err))
		return discard(err)
	}
	log := w.logger.With(zap.String("url", msg.URL))
	log.Info("list task received", zap.String("cursor", msg.Cursor))

	dept := w.department(ctx, msg.URL, log)

	session := w.sessions.NewSession()
	defer session.Close()

	current := msg.URL
	if msg.Cursor != "" {
		current = msg.Cursor
	}
	var pages, candidates int
	visited := make(map[string]struct{})
	for current != "" {
		if _, seen := visited[current]; seen {
			log.Warn("pagination cycle detected", zap.String("page", current), zap.Int("pages", pages))
			break
		}
		visited[current] = struct{}{}
		if pages > 0 {
			if err := pause(ctx, w.cfg.PageDelay); err != nil {
				return fmt.Errorf("list %s: %w", msg.URL, err)
			}
		}
		page, err := session.Get(ctx, current)
		if err != nil {
			if w.cfg.ResumePagination && pages > 0 && ctx.Err() == nil {
				return w.resume(ctx, msg.URL, current, err, log)
			}
			return fmt.Errorf("fetch list page %s: %w", current, err)
		}
		pages++

		parsed, err := scrape.ParseListPage(pageURL(page, current), page.Body)
		if err != nil {
			return fmt.Errorf("parse list page %s: %w", current, err)
		}
		if !parsed.Found {
			log.Warn("listing table not found", zap.String("page", current))
			break
		}
		for _, stub := range parsed.Candidates {
			if err := w.processCandidate(ctx, stub, dept, log); err != nil {
				return err
			}
		}
		candidates += len(parsed.Candidates)
		current = parsed.NextURL
	}

	log.Info("list task finished", zap.Int("pages", pages), zap.Int("candidates", candidates))
	return nil
}

// department resolves the listing URL to its parent context. Lookup
// failures only cost the department link.
func (w *ListWorker) department(ctx context.Context, url string, log *zap.Logger) *scholar.Department {
	dept, err := w.store.FindDepartmentByURL(ctx, url)
	switch {
	case err == nil:
		return &dept
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("department not found, saving scholars without department link")
	default:
		log.Error("department lookup failed", zap.Error(err))
	}
	return nil
}

// processCandidate saves an unseen scholar and enqueues its detail task.
// Persistence errors are logged; only a failed publish fails the task.
func (w *ListWorker) processCandidate(ctx context.Context, stub scholar.Stub, dept *scholar.Department, log *zap.Logger) error {
	log = log.With(zap.String("external_id", stub.ExternalID))
	if stub.ExternalID != "" {
		if err := w.ensureScholar(ctx, stub, dept); err != nil {
			log.Error("saving scholar failed", zap.Error(err))
		}
	}
	if stub.ProfileURL == "" {
		log.Warn("candidate has no profile link", zap.String("name", stub.FullName))
		return nil
	}
	body, err := task.Encode(task.NewDetail(stub.ProfileURL, stub.ExternalID))
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, w.cfg.DetailQueue, body); err != nil {
		return fmt.Errorf("enqueue detail task %s: %w", stub.ProfileURL, err)
	}
	return nil
}

func (w *ListWorker) ensureScholar(ctx context.Context, stub scholar.Stub, dept *scholar.Department) error {
	_, err := w.store.FindScholarByExternalID(ctx, stub.ExternalID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	id, err := w.store.CreateScholar(ctx, stub, dept)
	if err != nil {
		return err
	}
	if stub.ImageData != "" {
		if err := w.store.SaveImage(ctx, id, stub.ImageData); err != nil {
			return err
		}
	}
	return nil
}

// resume acknowledges a partially scraped listing by enqueueing its
// remainder, starting at the page that failed.
func (w *ListWorker) resume(ctx context.Context, origin, cursor string, cause error, log *zap.Logger) error {
	next := task.NewList(origin)
	next.Cursor = cursor
	body, err := task.Encode(next)
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, w.cfg.ListQueue, body); err != nil {
		return fmt.Errorf("enqueue resumed list task: %w (after %v)", err, cause)
	}
	log.Warn("list page failed, resuming later", zap.String("cursor", cursor), zap.Error(cause))
	return nil
}
