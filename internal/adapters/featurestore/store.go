// Package featurestore reads user and job feature vectors from the
// systems that own them.
package featurestore

import (
	"context"

	"github.com/okian/skillmatch/internal/domain/model"
)

// Reader is the read-only view the engine consumes. Unknown ids fail
// with model.ErrNotFound.
type Reader interface {
	ListUsers(ctx context.Context) ([]model.Entity, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Entity, error)
	GetUser(ctx context.Context, id string) (model.Entity, error)
	GetJob(ctx context.Context, id string) (model.Entity, error)
}

// Writer loads entities into a store, used for seeding. A zero
// Ref.Version asks the store to bump the current version.
type Writer interface {
	PutUser(ctx context.Context, e model.Entity) (model.EntityRef, error)
	PutJob(ctx context.Context, e model.Entity) (model.EntityRef, error)
}

// Store is a Reader that can also be seeded.
type Store interface {
	Reader
	Writer
}
