package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hivemind-academic/scholar-scraper/internal/database"
	"github.com/hivemind-academic/scholar-scraper/internal/metrics"
	"github.com/hivemind-academic/scholar-scraper/internal/scholar"
)

// InsertStats counts the outcome of a bulk child insert.
type InsertStats struct {
	Inserted   int
	Duplicates int
}

// bulkInsert writes every item with at most r.concurrency statements in
// flight. Unique violations are counted and skipped; any other failure
// cancels the remaining inserts and is returned.
func bulkInsert[T any](
	ctx context.Context,
	r *Repository,
	table string,
	items []T,
	build func(id string, item T) (database.Statement, error),
) (InsertStats, error) {
	if len(items) == 0 {
		return InsertStats{}, nil
	}
	var inserted, duplicates atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, item := range items {
		g.Go(func() error {
			id, err := r.ids.NewID()
			if err != nil {
				return fmt.Errorf("insert %s: %w", table, err)
			}
			stmt, err := build(id, item)
			if err != nil {
				return fmt.Errorf("insert %s: %w", table, err)
			}
			_, err = r.db.Exec(gctx, stmt)
			switch {
			case err == nil:
				inserted.Add(1)
			case database.IsUniqueViolation(err):
				duplicates.Add(1)
			default:
				return fmt.Errorf("insert %s: %w", table, err)
			}
			return nil
		})
	}
	err := g.Wait()

	stats := InsertStats{Inserted: int(inserted.Load()), Duplicates: int(duplicates.Load())}
	metrics.ObserveChildRows(table, stats.Inserted, stats.Duplicates)
	return stats, err
}

// InsertEducation appends education_history rows.
func (r *Repository) InsertEducation(ctx context.Context, scholarID string, rows []scholar.Education) (InsertStats, error) {
	return bulkInsert(ctx, r, "education_history", rows, func(id string, e scholar.Education) (database.Statement, error) {
		return database.Statement{
			Name: "InsertEducation",
			SQL: `INSERT INTO education_history (edu_id, scholar_id, year_range, degree, university, department_info, thesis_title)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			Pool: database.PoolAsync,
			Args: []any{id, scholarID, nullable(e.YearRange), nullable(e.Degree), nullable(e.University),
				nullable(e.DepartmentInfo), nullable(e.ThesisTitle)},
		}, nil
	})
}

// InsertAcademic appends academic_history rows.
func (r *Repository) InsertAcademic(ctx context.Context, scholarID string, rows []scholar.AcademicPosition) (InsertStats, error) {
	return bulkInsert(ctx, r, "academic_history", rows, func(id string, a scholar.AcademicPosition) (database.Statement, error) {
		return database.Statement{
			Name: "InsertAcademic",
			SQL: `INSERT INTO academic_history (acad_id, scholar_id, year, position, university, department_info)
VALUES ($1, $2, $3, $4, $5, $6)`,
			Pool: database.PoolAsync,
			Args: []any{id, scholarID, nullable(a.Year), nullable(a.Position), nullable(a.University),
				nullable(a.DepartmentInfo)},
		}, nil
	})
}

// InsertPublications appends publication rows; a DOI already stored for the
// scholar is skipped as a duplicate.
func (r *Repository) InsertPublications(ctx context.Context, scholarID string, rows []scholar.Publication) (InsertStats, error) {
	return bulkInsert(ctx, r, "publication", rows, func(id string, p scholar.Publication) (database.Statement, error) {
		var authors any
		if len(p.Authors) > 0 {
			raw, err := json.Marshal(p.Authors)
			if err != nil {
				return database.Statement{}, fmt.Errorf("marshal authors: %w", err)
			}
			authors = raw
		}
		var year any
		if p.Year > 0 {
			year = p.Year
		}
		return database.Statement{
			Name: "InsertPublications",
			SQL: `INSERT INTO publication (pub_id, scholar_id, title, year, doi, venue, type, publication_index, category, authors_json)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			Pool: database.PoolAsync,
			Args: []any{id, scholarID, p.Title, year, nullable(p.DOI), nullable(p.Venue), nullable(p.Type),
				nullable(p.Index), p.Category, authors},
		}, nil
	})
}

// InsertCourses appends course rows.
func (r *Repository) InsertCourses(ctx context.Context, scholarID string, rows []scholar.Course) (InsertStats, error) {
	return bulkInsert(ctx, r, "course", rows, func(id string, c scholar.Course) (database.Statement, error) {
		return database.Statement{
			Name: "InsertCourses",
			SQL: `INSERT INTO course (course_id, scholar_id, academic_year, name, language, hours)
VALUES ($1, $2, $3, $4, $5, $6)`,
			Pool: database.PoolAsync,
			Args: []any{id, scholarID, nullable(c.AcademicYear), c.Name, nullable(c.Language), nullable(c.Hours)},
		}, nil
	})
}

// InsertTheses appends thesis_supervision rows.
func (r *Repository) InsertTheses(ctx context.Context, scholarID string, rows []scholar.ThesisSupervision) (InsertStats, error) {
	return bulkInsert(ctx, r, "thesis_supervision", rows, func(id string, t scholar.ThesisSupervision) (database.Statement, error) {
		return database.Statement{
			Name: "InsertTheses",
			SQL: `INSERT INTO thesis_supervision (thesis_id, scholar_id, year, student_name, title, institution)
VALUES ($1, $2, $3, $4, $5, $6)`,
			Pool: database.PoolAsync,
			Args: []any{id, scholarID, nullable(t.Year), nullable(t.StudentName), nullable(t.Title), nullable(t.Institution)},
		}, nil
	})
}

// InsertDuties appends administrative_duty rows.
func (r *Repository) InsertDuties(ctx context.Context, scholarID string, rows []scholar.AdministrativeDuty) (InsertStats, error) {
	return bulkInsert(ctx, r, "administrative_duty", rows, func(id string, d scholar.AdministrativeDuty) (database.Statement, error) {
		return database.Statement{
			Name: "InsertDuties",
			SQL: `INSERT INTO administrative_duty (duty_id, scholar_id, year_range, title, content)
VALUES ($1, $2, $3, $4, $5)`,
			Pool: database.PoolAsync,
			Args: []any{id, scholarID, nullable(d.YearRange), nullable(d.Title), nullable(d.Content)},
		}, nil
	})
}
