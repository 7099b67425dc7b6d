// Package store is the data access layer. Straight-line statements use pgx
// directly; queries with dynamic predicates (retry eligibility, statistics,
// cleanup) are built with squirrel. The batch claim uses a single
// UPDATE ... FROM (SELECT ... FOR UPDATE SKIP LOCKED) RETURNING statement so
// claim exclusivity lives entirely in Postgres.
package store

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordanlambrecht/timelapser-jobs/internal/jobs"
)

// psql builds queries with Postgres $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the central data access object backed by a pgx pool. It
// implements jobs.Repository for all job kinds.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (tests fixing up timestamps, CLI maintenance).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// tableFor maps a job kind to its backing table. The mapping is a closed
// switch over the Kind enum; table identifiers never come from free-form
// strings.
func tableFor(kind jobs.Kind) (string, error) {
	switch kind {
	case jobs.KindOverlay:
		return "overlay_jobs", nil
	case jobs.KindThumbnail:
		return "thumbnail_jobs", nil
	case jobs.KindVideo:
		return "video_jobs", nil
	}
	return "", fmt.Errorf("unknown job kind %q", kind)
}
