package featurestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/okian/skillmatch/internal/domain/model"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS user_features (
	id           text PRIMARY KEY,
	embedding    vector NOT NULL,
	version      bigint NOT NULL,
	entry_level  boolean NOT NULL DEFAULT false,
	completeness double precision,
	updated_at   timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_features (
	id                  text PRIMARY KEY,
	embedding           vector NOT NULL,
	version             bigint NOT NULL,
	accepts_entry_level boolean NOT NULL DEFAULT false,
	updated_at          timestamptz NOT NULL DEFAULT now()
);`

// PostgresStore reads features from Postgres tables with pgvector
// embedding columns.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and pings the server.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an open handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the feature tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func toFloat32(v model.FeatureVector) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFeatureVector(v pgvector.Vector) model.FeatureVector {
	src := v.Slice()
	out := make(model.FeatureVector, len(src))
	for i, x := range src {
		out[i] = float64(x)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (model.Entity, error) {
	var (
		e            model.Entity
		vec          pgvector.Vector
		completeness sql.NullFloat64
	)
	if err := r.Scan(&e.Ref.ID, &vec, &e.Ref.Version, &e.Traits.EntryLevel, &completeness); err != nil {
		return e, err
	}
	e.Ref.Kind = model.KindUser
	e.Vector = toFeatureVector(vec)
	if completeness.Valid {
		c := completeness.Float64
		e.Traits.Completeness = &c
	}
	return e, nil
}

func scanJob(r rowScanner) (model.Entity, error) {
	var (
		e   model.Entity
		vec pgvector.Vector
	)
	if err := r.Scan(&e.Ref.ID, &vec, &e.Ref.Version, &e.Traits.AcceptsEntryLevel); err != nil {
		return e, err
	}
	e.Ref.Kind = model.KindJob
	e.Vector = toFeatureVector(vec)
	return e, nil
}

const (
	userColumns = `id, embedding, version, entry_level, completeness`
	jobColumns  = `id, embedding, version, accepts_entry_level`
)

// ListUsers implements Reader.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM user_features ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return out, nil
}

// ListJobs implements Reader. Near orders by cosine distance using the
// pgvector <=> operator.
func (s *PostgresStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Entity, error) {
	var (
		where []string
		args  []any
		order = "id"
	)
	if filter.IDs != nil {
		args = append(args, pq.Array(filter.IDs))
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if len(filter.Near) > 0 {
		args = append(args, pgvector.NewVector(toFloat32(filter.Near)))
		order = fmt.Sprintf("embedding <=> $%d, id", len(args))
	}

	var q strings.Builder
	q.WriteString(`SELECT ` + jobColumns + ` FROM job_features`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY " + order)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&q, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return out, nil
}

// GetUser implements Reader.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (model.Entity, error) {
	e, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user_features WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("user %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("get user: %w", err)
	}
	return e, nil
}

// GetJob implements Reader.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (model.Entity, error) {
	e, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_features WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("job %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("get job: %w", err)
	}
	return e, nil
}

// PutUser implements Writer. A zero version increments the stored one.
func (s *PostgresStore) PutUser(ctx context.Context, e model.Entity) (model.EntityRef, error) {
	var completeness sql.NullFloat64
	if e.Traits.Completeness != nil {
		completeness = sql.NullFloat64{Float64: *e.Traits.Completeness, Valid: true}
	}
	ref := model.EntityRef{ID: e.Ref.ID, Kind: model.KindUser}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_features (id, embedding, version, entry_level, completeness, updated_at)
		VALUES ($1, $2, CASE WHEN $3::bigint = 0 THEN 1 ELSE $3::bigint END, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			version = CASE WHEN $3::bigint = 0 THEN user_features.version + 1 ELSE $3::bigint END,
			entry_level = EXCLUDED.entry_level,
			completeness = EXCLUDED.completeness,
			updated_at = now()
		RETURNING version`,
		e.Ref.ID, pgvector.NewVector(toFloat32(e.Vector)), e.Ref.Version, e.Traits.EntryLevel, completeness,
	).Scan(&ref.Version)
	if err != nil {
		return ref, fmt.Errorf("put user: %w", err)
	}
	return ref, nil
}

// PutJob implements Writer. A zero version increments the stored one.
func (s *PostgresStore) PutJob(ctx context.Context, e model.Entity) (model.EntityRef, error) {
	ref := model.EntityRef{ID: e.Ref.ID, Kind: model.KindJob}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_features (id, embedding, version, accepts_entry_level, updated_at)
		VALUES ($1, $2, CASE WHEN $3::bigint = 0 THEN 1 ELSE $3::bigint END, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			version = CASE WHEN $3::bigint = 0 THEN job_features.version + 1 ELSE $3::bigint END,
			accepts_entry_level = EXCLUDED.accepts_entry_level,
			updated_at = now()
		RETURNING version`,
		e.Ref.ID, pgvector.NewVector(toFloat32(e.Vector)), e.Ref.Version, e.Traits.AcceptsEntryLevel,
	).Scan(&ref.Version)
	if err != nil {
		return ref, fmt.Errorf("put job: %w", err)
	}
	return ref, nil
}
