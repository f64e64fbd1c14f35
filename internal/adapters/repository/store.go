// Package repository persists similarity score rows.
package repository

import (
	"context"

	"github.com/okian/skillmatch/internal/domain/model"
)

// Store holds one row per (user, job) pair. Every row write is atomic per
// key; readers never observe a half-written row.
type Store interface {
	// UpsertBatch overwrites rows keyed by (user, job) and returns how many
	// were written. Writing the same batch twice leaves the same state.
	UpsertBatch(ctx context.Context, rows []model.SimilarityScore) (int, error)

	// Get returns the row for a pair or ErrNotFound.
	Get(ctx context.Context, userID, jobID string) (model.SimilarityScore, error)

	// Ranked returns a user's rows ordered by score desc, job id asc,
	// skipping offset rows and returning at most limit.
	Ranked(ctx context.Context, userID string, offset, limit int) ([]model.SimilarityScore, error)

	// Page returns rows ordered by (user id, job id).
	Page(ctx context.Context, offset, limit int) ([]model.SimilarityScore, error)

	// Count returns the number of stored rows.
	Count(ctx context.Context) (int, error)

	Close() error
}
