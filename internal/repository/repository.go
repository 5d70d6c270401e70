// Package repository maps scholar records onto the Postgres schema.
package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/database"
	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
)

// ErrNotFound is returned when a lookup or update matches no row.
var ErrNotFound = errors.New("repository: not found")

// DefaultConcurrency bounds the parallel inserts of one child collection.
const DefaultConcurrency = 5

// Executor is the statement runner; *database.Executor satisfies it.
type Executor interface {
	Query(ctx context.Context, stmt database.Statement) (database.Result, error)
	Exec(ctx context.Context, stmt database.Statement) (database.Result, error)
}

// IDGenerator mints internal ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config tunes the repository.
type Config struct {
	// Concurrency bounds child inserts in flight per collection.
	Concurrency int
}

// Repository exposes the persistence operations used by the workers.
type Repository struct {
	db          Executor
	ids         IDGenerator
	concurrency int
	logger      *zap.Logger
}

// New builds a Repository.
func New(db Executor, ids IDGenerator, cfg Config, logger *zap.Logger) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("repository: executor is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("repository: id generator is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, ids: ids, concurrency: cfg.Concurrency, logger: logger}, nil
}

// FindScholarByExternalID returns the internal id for a YÖK author id.
func (r *Repository) FindScholarByExternalID(ctx context.Context, externalID string) (string, error) {
	res, err := r.db.Query(ctx, database.Statement{
		Name: "FindScholarByExternalID",
		SQL:  `SELECT scholar_id FROM scholar WHERE yok_id = $1 LIMIT 1`,
		Pool: database.PoolFloating,
		Args: []any{externalID},
	})
	if err != nil {
		return "", fmt.Errorf("find scholar %s: %w", externalID, err)
	}
	if len(res.Rows) == 0 {
		return "", ErrNotFound
	}
	return res.Rows[0].String("scholar_id"), nil
}

// FindDepartmentByURL resolves a listing URL to its department.
func (r *Repository) FindDepartmentByURL(ctx context.Context, url string) (scholar.Department, error) {
	res, err := r.db.Query(ctx, database.Statement{
		Name: "FindDepartmentByURL",
		SQL: `SELECT d.department_id, d.university_id, d.name, u.name AS university_name, d.url
FROM department d
LEFT JOIN university u ON u.university_id = d.university_id
WHERE d.url = $1
LIMIT 1`,
		Pool: database.PoolFloating,
		Args: []any{url},
	})
	if err != nil {
		return scholar.Department{}, fmt.Errorf("find department %s: %w", url, err)
	}
	if len(res.Rows) == 0 {
		return scholar.Department{}, ErrNotFound
	}
	row := res.Rows[0]
	return scholar.Department{
		ID:             row.Int64("department_id"),
		UniversityID:   row.Int64("university_id"),
		Name:           row.String("name"),
		UniversityName: row.String("university_name"),
		URL:            row.String("url"),
	}, nil
}

// CreateScholar inserts a scholar under a fresh internal id. When the
// external id already exists (a concurrent worker won the race) the existing
// internal id is returned instead.
func (r *Repository) CreateScholar(ctx context.Context, stub scholar.Stub, dept *scholar.Department) (string, error) {
	if stub.ExternalID == "" {
		return "", fmt.Errorf("create scholar: external id is required")
	}
	id, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("create scholar: %w", err)
	}
	var departmentID, areas any
	if len(stub.ResearchAreas) > 0 {
		areas = stub.ResearchAreas
	}
	institution, department := stub.Institution, stub.Department
	if dept != nil {
		departmentID = dept.ID
		if dept.UniversityName != "" {
			institution = dept.UniversityName
		}
		if dept.Name != "" {
			department = dept.Name
		}
	}
	res, err := r.db.Query(ctx, database.Statement{
		Name: "CreateScholar",
		SQL: `INSERT INTO scholar (
	scholar_id, yok_id, full_name, title, department_id, institution, department, email, profile_url, research_areas, last_updated
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (yok_id) DO UPDATE SET last_updated = NOW()
RETURNING scholar_id`,
		Pool: database.PoolMaster,
		Args: []any{
			id,
			stub.ExternalID,
			stub.FullName,
			nullable(stub.Title),
			departmentID,
			nullable(institution),
			nullable(department),
			nullable(stub.Email),
			nullable(stub.ProfileURL),
			areas,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create scholar %s: %w", stub.ExternalID, err)
	}
	if len(res.Rows) > 0 {
		if existing := res.Rows[0].String("scholar_id"); existing != "" {
			id = existing
		}
	}
	r.logger.Debug("scholar saved", zap.String("scholar_id", id), zap.String("external_id", stub.ExternalID))
	return id, nil
}

// UpdateScholarProfile overwrites the provided fields and keeps stored values
// for nil ones. last_updated is always refreshed.
func (r *Repository) UpdateScholarProfile(ctx context.Context, scholarID string, upd scholar.ProfileUpdate) error {
	var areas any
	if len(upd.ResearchAreas) > 0 {
		areas = upd.ResearchAreas
	}
	res, err := r.db.Exec(ctx, database.Statement{
		Name: "UpdateScholarProfile",
		SQL: `UPDATE scholar SET
	full_name = COALESCE($1, full_name),
	title = COALESCE($2, title),
	email = COALESCE($3, email),
	orcid = COALESCE($4, orcid),
	research_areas = COALESCE($5, research_areas),
	last_updated = NOW()
WHERE scholar_id = $6`,
		Pool: database.PoolMaster,
		Args: []any{
			nonEmpty(upd.FullName),
			nonEmpty(upd.Title),
			nonEmpty(upd.Email),
			nonEmpty(upd.ORCID),
			areas,
			scholarID,
		},
	})
	if err != nil {
		return fmt.Errorf("update scholar %s: %w", scholarID, err)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveImage replaces the scholar's image, inserting a row when none exists.
func (r *Repository) SaveImage(ctx context.Context, scholarID, data string) error {
	res, err := r.db.Exec(ctx, database.Statement{
		Name: "SaveImage",
		SQL:  `UPDATE scholar_image SET image_data = $1 WHERE scholar_id = $2`,
		Pool: database.PoolMaster,
		Args: []any{data, scholarID},
	})
	if err != nil {
		return fmt.Errorf("update image %s: %w", scholarID, err)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	id, err := r.ids.NewID()
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	if _, err := r.db.Exec(ctx, database.Statement{
		Name: "SaveImage",
		SQL:  `INSERT INTO scholar_image (image_id, scholar_id, image_data) VALUES ($1, $2, $3)`,
		Pool: database.PoolMaster,
		Args: []any{id, scholarID, data},
	}); err != nil {
		return fmt.Errorf("insert image %s: %w", scholarID, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonEmpty(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
