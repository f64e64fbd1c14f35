package matchcheck

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/okian/skillmatch/internal/adapters/featurestore"
	"github.com/okian/skillmatch/internal/domain/model"
)

const filePermission = 0o600

// Generate builds a seed of random non-negative feature vectors.
func Generate(cfg GenerateConfig) featurestore.Seed {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	vector := func() model.FeatureVector {
		v := make(model.FeatureVector, cfg.Dim)
		for i := range v {
			// Sparse vectors make ties and zero scores show up.
			if rng.Float64() < 0.3 {
				continue
			}
			v[i] = float64(rng.IntN(5))
		}
		return v
	}

	seed := featurestore.Seed{
		Users: make([]featurestore.SeedEntity, cfg.Users),
		Jobs:  make([]featurestore.SeedEntity, cfg.Jobs),
	}
	for i := range seed.Users {
		c := float64(rng.IntN(11)) / 10
		seed.Users[i] = featurestore.SeedEntity{
			ID:     fmt.Sprintf("U%05d", i+1),
			Vector: vector(),
			Traits: model.Traits{EntryLevel: rng.Float64() < cfg.EntryRate, Completeness: &c},
		}
	}
	for i := range seed.Jobs {
		seed.Jobs[i] = featurestore.SeedEntity{
			ID:     fmt.Sprintf("J%05d", i+1),
			Vector: vector(),
			Traits: model.Traits{AcceptsEntryLevel: rng.Float64() < 0.5},
		}
	}
	return seed
}

// WriteSeedFile writes seed as JSON to path, creating parent directories.
func WriteSeedFile(path string, seed featurestore.Seed) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal seed: %w", err)
	}
	if err := os.WriteFile(path, data, filePermission); err != nil {
		return fmt.Errorf("write seed file: %w", err)
	}
	return nil
}

// ReadSeedFile loads a seed file.
func ReadSeedFile(path string) (featurestore.Seed, error) {
	var seed featurestore.Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed file: %w", err)
	}
	if err := json.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return seed, nil
}

// eventRequest mirrors the POST /events body.
type eventRequest struct {
	EventID  string `json:"event_id"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
}

// generateEvents picks random entities to announce as changed. A share
// of the events is repeated with the same id to exercise redelivery.
func generateEvents(seed featurestore.Seed, n int, redeliver float64, rng *rand.Rand) []eventRequest {
	events := make([]eventRequest, 0, n)
	for len(events) < n {
		var e eventRequest
		if len(seed.Jobs) == 0 || (len(seed.Users) > 0 && rng.IntN(2) == 0) {
			e = eventRequest{Type: string(model.EventUserChanged), EntityID: seed.Users[rng.IntN(len(seed.Users))].ID}
		} else {
			e = eventRequest{Type: string(model.EventJobChanged), EntityID: seed.Jobs[rng.IntN(len(seed.Jobs))].ID}
		}
		e.EventID = fmt.Sprintf("check-%d-%d", rng.Uint64(), len(events))
		events = append(events, e)
		if len(events) < n && rng.Float64() < redeliver {
			events = append(events, e)
		}
	}
	return events
}
