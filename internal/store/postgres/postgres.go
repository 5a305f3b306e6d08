// Package postgres is the pgx-backed Store used by serve. Schema migrations
// are embedded and run by Setup.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/appforge/internal/types"
)

// Store implements types.Store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool's lifetime.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const buildColumns = `
	id, user_id, project_id, spec, harness, provider, tier,
	target_features, review_gates, status, sandbox_id, progress,
	checkpoint, history, artifact_key, error, design_approved_at,
	features_approved_at, paused_at, pause_reason, created_at, updated_at
`

func (s *Store) CreateBuild(ctx context.Context, b *types.Build) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	query := `
		INSERT INTO builds (` + buildColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`
	args := []any{
		string(b.ID), string(b.UserID), string(b.ProjectID), b.Spec,
		b.HarnessName, b.Provider, b.Tier, b.TargetFeatures, b.ReviewGates,
		string(b.Status), string(b.SandboxID), b.Progress, b.Checkpoint,
		b.History, b.ArtifactKey, b.Error, b.DesignApprovedAt,
		b.FeaturesApprovedAt, b.PausedAt, b.PauseReason, b.CreatedAt,
		b.UpdatedAt,
	}

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isPgError(err, pgerrcode.UniqueViolation) {
			return fmt.Errorf("build %s: %w", b.ID, types.ErrConflict)
		}
		return fmt.Errorf("create build: %w", err)
	}
	return nil
}

func (s *Store) GetBuild(ctx context.Context, id types.BuildID) (*types.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE id = $1
	`
	args := []any{string(id)}

	rows, _ := s.pool.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("build %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("get build: %w", err)
	}
	return b, nil
}

func (s *Store) UpdateBuild(ctx context.Context, b *types.Build) error {
	b.UpdatedAt = time.Now()

	query := `
		UPDATE builds
		SET user_id = $2, project_id = $3, spec = $4, harness = $5,
		    provider = $6, tier = $7, target_features = $8, review_gates = $9,
		    status = $10, sandbox_id = $11, progress = $12, checkpoint = $13,
		    history = $14, artifact_key = $15, error = $16,
		    design_approved_at = $17, features_approved_at = $18,
		    paused_at = $19, pause_reason = $20, updated_at = $21
		WHERE id = $1
	`
	args := []any{
		string(b.ID), string(b.UserID), string(b.ProjectID), b.Spec,
		b.HarnessName, b.Provider, b.Tier, b.TargetFeatures, b.ReviewGates,
		string(b.Status), string(b.SandboxID), b.Progress, b.Checkpoint,
		b.History, b.ArtifactKey, b.Error, b.DesignApprovedAt,
		b.FeaturesApprovedAt, b.PausedAt, b.PauseReason, b.UpdatedAt,
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("build %s: %w", b.ID, types.ErrNotFound)
	}
	return nil
}

// DeleteBuild removes the build. Events and the preview record go with it
// through the schema's ON DELETE CASCADE.
func (s *Store) DeleteBuild(ctx context.Context, id types.BuildID) error {
	query := `
		DELETE FROM builds
		WHERE id = $1
	`
	args := []any{string(id)}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("build %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *Store) ListBuilds(ctx context.Context, userID types.UserID) ([]*types.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	args := []any{string(userID)}

	rows, _ := s.pool.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return builds, nil
}

func (s *Store) ListActiveBuilds(ctx context.Context) ([]*types.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE status NOT IN ($1, $2, $3, $4)
		ORDER BY created_at DESC
	`
	args := []any{
		string(types.StatusCompleted), string(types.StatusFailed),
		string(types.StatusCancelled), string(types.StatusPaused),
	}

	rows, _ := s.pool.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("list active builds: %w", err)
	}
	return builds, nil
}

func (s *Store) CountActive(ctx context.Context, userID types.UserID) (int, error) {
	query := `
		SELECT count(*)
		FROM builds
		WHERE user_id = $1 AND status NOT IN ($2, $3, $4, $5)
	`
	args := []any{
		string(userID),
		string(types.StatusCompleted), string(types.StatusFailed),
		string(types.StatusCancelled), string(types.StatusPaused),
	}

	rows, _ := s.pool.Query(ctx, query, args...)
	count, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[int])
	if err != nil {
		return 0, fmt.Errorf("count active builds: %w", err)
	}
	return count, nil
}

// seqRetries bounds retries when two appends for one build race to the same
// sequence number and the loser hits the unique constraint.
const seqRetries = 3

func (s *Store) AppendEvent(ctx context.Context, e *types.BuildEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO build_events (id, build_id, seq, type, payload, created_at)
		SELECT $1, $2, coalesce(max(seq), 0) + 1, $3, $4, $5
		FROM build_events
		WHERE build_id = $2
		RETURNING seq
	`
	args := []any{string(e.ID), string(e.BuildID), string(e.Type), payload, e.CreatedAt}

	for attempt := 0; ; attempt++ {
		rows, _ := s.pool.Query(ctx, query, args...)
		seq, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[int64])
		if err != nil {
			if isPgError(err, pgerrcode.UniqueViolation) && attempt < seqRetries {
				continue
			}
			if isPgError(err, pgerrcode.ForeignKeyViolation) {
				return fmt.Errorf("build %s: %w", e.BuildID, types.ErrNotFound)
			}
			return fmt.Errorf("append event: %w", err)
		}
		e.Seq = seq
		return nil
	}
}

func (s *Store) ListEvents(ctx context.Context, buildID types.BuildID, afterSeq int64, limit int) ([]*types.BuildEvent, error) {
	query := `
		SELECT id, build_id, seq, type, payload, created_at
		FROM build_events
		WHERE build_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`
	var lim any
	if limit > 0 {
		lim = limit
	}
	args := []any{string(buildID), afterSeq, lim}

	rows, _ := s.pool.Query(ctx, query, args...)
	events, err := pgx.CollectRows(rows, rowToEvent)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (s *Store) DeleteEvents(ctx context.Context, buildID types.BuildID) error {
	query := `
		DELETE FROM build_events
		WHERE build_id = $1
	`
	args := []any{string(buildID)}

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

func (s *Store) SavePreview(ctx context.Context, p *types.PreviewSession) error {
	query := `
		INSERT INTO preview_sessions (id, build_id, sandbox_id, status, url, started_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (build_id) DO UPDATE SET
			id = excluded.id,
			sandbox_id = excluded.sandbox_id,
			status = excluded.status,
			url = excluded.url,
			started_at = excluded.started_at,
			expires_at = excluded.expires_at
	`
	args := []any{
		string(p.ID), string(p.BuildID), string(p.SandboxID),
		string(p.Status), p.URL, p.StartedAt, p.ExpiresAt,
	}

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isPgError(err, pgerrcode.ForeignKeyViolation) {
			return fmt.Errorf("build %s: %w", p.BuildID, types.ErrNotFound)
		}
		return fmt.Errorf("save preview: %w", err)
	}
	return nil
}

func (s *Store) GetPreview(ctx context.Context, buildID types.BuildID) (*types.PreviewSession, error) {
	query := `
		SELECT id, build_id, sandbox_id, status, url, started_at, expires_at
		FROM preview_sessions
		WHERE build_id = $1
	`
	args := []any{string(buildID)}

	rows, _ := s.pool.Query(ctx, query, args...)
	p, err := pgx.CollectExactlyOneRow(rows, rowToPreview)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("preview for build %s: %w", buildID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("get preview: %w", err)
	}
	return p, nil
}

func (s *Store) UpdatePreview(ctx context.Context, p *types.PreviewSession) error {
	query := `
		UPDATE preview_sessions
		SET id = $2, sandbox_id = $3, status = $4, url = $5, started_at = $6, expires_at = $7
		WHERE build_id = $1
	`
	args := []any{
		string(p.BuildID), string(p.ID), string(p.SandboxID),
		string(p.Status), p.URL, p.StartedAt, p.ExpiresAt,
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("preview for build %s: %w", p.BuildID, types.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRunningPreviews(ctx context.Context) ([]*types.PreviewSession, error) {
	query := `
		SELECT id, build_id, sandbox_id, status, url, started_at, expires_at
		FROM preview_sessions
		WHERE status = $1
		ORDER BY started_at
	`
	args := []any{string(types.PreviewRunning)}

	rows, _ := s.pool.Query(ctx, query, args...)
	previews, err := pgx.CollectRows(rows, rowToPreview)
	if err != nil {
		return nil, fmt.Errorf("list running previews: %w", err)
	}
	return previews, nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
