package featurestore

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/okian/skillmatch/internal/domain/model"
)

// SeedEntity is one user or job in a seed file.
type SeedEntity struct {
	ID      string              `json:"id"`
	Version int64               `json:"version,omitempty"`
	Vector  model.FeatureVector `json:"vector"`
	model.Traits
}

// Seed is the JSON layout of a seed file.
type Seed struct {
	Users []SeedEntity `json:"users"`
	Jobs  []SeedEntity `json:"jobs"`
}

func (s SeedEntity) entity() model.Entity {
	return model.Entity{Ref: model.EntityRef{ID: s.ID, Version: s.Version}, Vector: s.Vector, Traits: s.Traits}
}

// LoadSeedFile reads a JSON seed file into w.
func LoadSeedFile(ctx context.Context, path string, w Writer) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return ApplySeed(ctx, seed, w)
}

// ApplySeed writes every seed entity and returns how many were stored.
func ApplySeed(ctx context.Context, seed Seed, w Writer) (int, error) {
	n := 0
	for _, u := range seed.Users {
		if _, err := w.PutUser(ctx, u.entity()); err != nil {
			return n, fmt.Errorf("seed user %q: %w", u.ID, err)
		}
		n++
	}
	for _, j := range seed.Jobs {
		if _, err := w.PutJob(ctx, j.entity()); err != nil {
			return n, fmt.Errorf("seed job %q: %w", j.ID, err)
		}
		n++
	}
	return n, nil
}
