package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hivemind-academic/scholar-scraper/internal/events"
	"github.com/hivemind-academic/scholar-scraper/internal/fetch"
	"github.com/hivemind-academic/scholar-scraper/internal/repository"
	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
	"github.com/hivemind-academic/scholar-scraper/internal/scrape"
	"github.com/hivemind-academic/scholar-scraper/internal/task"
)

// DetailWorker fetches a scholar's profile and every linked section, then
// persists the whole detail graph.
type DetailWorker struct {
	store    Store
	sessions Sessions
	archiver Archiver
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
}

// DetailOption configures optional DetailWorker collaborators.
type DetailOption func(*DetailWorker)

// WithArchiver stores every primary profile page.
func WithArchiver(a Archiver) DetailOption {
	return func(w *DetailWorker) { w.archiver = a }
}

// WithNotifier announces every persisted scholar.
func WithNotifier(n Notifier) DetailOption {
	return func(w *DetailWorker) { w.notifier = n }
}

// NewDetail builds a DetailWorker.
func NewDetail(store Store, sessions Sessions, cfg Config, logger *zap.Logger, opts ...DetailOption) *DetailWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &DetailWorker{
		store:    store,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle processes one detail task body. It is a broker.Handler.
func (w *DetailWorker) Handle(ctx context.Context, body []byte) error {
	msg, err := task.Decode(body, task.KindDetail)
	if err != nil {
		w.logger.Warn("dropping malformed detail task", zap.ByteString("body", body), zap.Error(err))
		return discard(err)
	}
	externalID := msg.ExternalID
	if externalID == "" {
		id, ok := task.ExternalIDFromURL(msg.URL)
		if !ok {
			w.logger.Warn("dropping detail task without author id", zap.String("url", msg.URL))
			return discard(fmt.Errorf("%w: no authorId in %s", task.ErrMalformed, msg.URL))
		}
		externalID = id
	}
	log := w.logger.With(zap.String("url", msg.URL), zap.String("external_id", externalID))

	session := w.sessions.NewSession()
	defer session.Close()

	page, err := session.Get(ctx, msg.URL)
	if err != nil {
		return fmt.Errorf("fetch profile %s: %w", msg.URL, err)
	}
	profile, links, err := scrape.ParseProfile(pageURL(page, msg.URL), page.Body)
	if err != nil {
		return fmt.Errorf("parse profile %s: %w", msg.URL, err)
	}
	if profile.FullName == "" {
		return fmt.Errorf("profile %s: author details not found", msg.URL)
	}
	profile.ExternalID = externalID

	sections, counts := w.fetchSections(ctx, session, links, log)

	scholarID, err := w.persist(ctx, msg.URL, profile, sections)
	if err != nil {
		return err
	}
	log.Info("profile saved",
		zap.String("scholar_id", scholarID),
		zap.Int("education", len(profile.Education)),
		zap.Int("academic", len(profile.Academic)),
		zap.Int("publications", len(sections.Publications)),
		zap.Int("courses", len(sections.Courses)),
		zap.Int("theses", len(sections.Theses)),
		zap.Int("duties", len(sections.Duties)),
	)

	w.archive(ctx, externalID, page.Body, log)
	w.notify(ctx, events.ScholarSynced{
		ScholarID:  scholarID,
		ExternalID: externalID,
		ProfileURL: msg.URL,
		Sections:   counts,
	}, log)
	return nil
}

// fetchSections loads every known section link with bounded parallelism.
// A failing section is logged and left empty.
func (w *DetailWorker) fetchSections(
	ctx context.Context,
	session fetch.Session,
	links []scrape.SectionLink,
	log *zap.Logger,
) (scholar.Sections, map[string]int) {
	var (
		mu       sync.Mutex
		sections scholar.Sections
		counts   = make(map[string]int)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.SectionConcurrency)
	for _, link := range links {
		if !link.Known() {
			continue
		}
		g.Go(func() error {
			rows, err := w.fetchSection(gctx, session, link)
			if err != nil {
				log.Warn("section fetch failed", zap.String("section", string(link.Kind)), zap.String("section_url", link.URL), zap.Error(err))
				return nil
			}
			mu.Lock()
			sections.Merge(rows)
			counts[string(link.Kind)] += rowCount(rows)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return sections, counts
}

func (w *DetailWorker) fetchSection(ctx context.Context, session fetch.Session, link scrape.SectionLink) (scholar.Sections, error) {
	if err := pause(ctx, w.cfg.SectionDelay); err != nil {
		return scholar.Sections{}, err
	}
	page, err := session.Get(ctx, link.URL)
	if err != nil {
		return scholar.Sections{}, err
	}
	return scrape.ParseSection(link, page.Body)
}

// persist resolves or creates the scholar and writes the detail graph. Any
// error here fails the task.
func (w *DetailWorker) persist(ctx context.Context, profileURL string, profile scholar.Profile, sections scholar.Sections) (string, error) {
	scholarID, err := w.store.FindScholarByExternalID(ctx, profile.ExternalID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		scholarID, err = w.store.CreateScholar(ctx, scholar.Stub{
			ExternalID:  profile.ExternalID,
			FullName:    profile.FullName,
			Title:       profile.Title,
			ProfileURL:  profileURL,
			Institution: profile.Institution,
			Department:  profile.Department,
			Email:       profile.Email,
		}, nil)
		if err != nil {
			return "", fmt.Errorf("create scholar: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("find scholar: %w", err)
	}

	if err := w.store.UpdateScholarProfile(ctx, scholarID, scholar.ProfileUpdate{
		FullName:      &profile.FullName,
		Title:         &profile.Title,
		Email:         &profile.Email,
		ORCID:         &profile.ORCID,
		ResearchAreas: profile.ResearchAreas,
	}); err != nil {
		return "", fmt.Errorf("update scholar profile: %w", err)
	}
	if profile.ImageData != "" {
		if err := w.store.SaveImage(ctx, scholarID, profile.ImageData); err != nil {
			return "", fmt.Errorf("save image: %w", err)
		}
	}

	steps := []struct {
		name string
		run  func() (repository.InsertStats, error)
	}{
		{"education", func() (repository.InsertStats, error) {
			return w.store.InsertEducation(ctx, scholarID, profile.Education)
		}},
		{"academic", func() (repository.InsertStats, error) {
			return w.store.InsertAcademic(ctx, scholarID, profile.Academic)
		}},
		{"publications", func() (repository.InsertStats, error) {
			return w.store.InsertPublications(ctx, scholarID, sections.Publications)
		}},
		{"courses", func() (repository.InsertStats, error) {
			return w.store.InsertCourses(ctx, scholarID, sections.Courses)
		}},
		{"theses", func() (repository.InsertStats, error) {
			return w.store.InsertTheses(ctx, scholarID, sections.Theses)
		}},
		{"duties", func() (repository.InsertStats, error) {
			return w.store.InsertDuties(ctx, scholarID, sections.Duties)
		}},
	}
	for _, step := range steps {
		stats, err := step.run()
		if err != nil {
			return "", fmt.Errorf("insert %s: %w", step.name, err)
		}
		if stats.Duplicates > 0 {
			w.logger.Debug("duplicate rows skipped",
				zap.String("scholar_id", scholarID),
				zap.String("section", step.name),
				zap.Int("duplicates", stats.Duplicates),
			)
		}
	}
	return scholarID, nil
}

func (w *DetailWorker) archive(ctx context.Context, externalID string, body []byte, log *zap.Logger) {
	if w.archiver == nil {
		return
	}
	uri, err := w.archiver.Archive(ctx, externalID, body)
	if err != nil {
		log.Warn("archiving profile failed", zap.Error(err))
		return
	}
	log.Debug("profile archived", zap.String("uri", uri))
}

func (w *DetailWorker) notify(ctx context.Context, ev events.ScholarSynced, log *zap.Logger) {
	if w.notifier == nil {
		return
	}
	if _, err := w.notifier.ScholarSynced(ctx, ev); err != nil {
		log.Warn("sync event not published", zap.Error(err))
	}
}

func rowCount(s scholar.Sections) int {
	return len(s.Publications) + len(s.Courses) + len(s.Theses) + len(s.Duties)
}
