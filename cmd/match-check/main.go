package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"os"
	"runtime"
	"time"

	"github.com/okian/skillmatch/internal/matchcheck"
	"github.com/okian/skillmatch/pkg/logger"
)

// Default configuration constants.
const (
	defaultUsers        = 200
	defaultJobs         = 500
	defaultDim          = 16
	defaultEvents       = 1000
	defaultK            = 10
	defaultWorkers      = 2 // multiplier for runtime.NumCPU()
	defaultTimeout      = 30 * time.Second
	defaultJobWait      = 5 * time.Minute
	defaultCheckTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:9080", "Base URL of the service")
		seedFile  = flag.String("seed-file", "seed.json", "Feature seed file the service was started with")
		generate  = flag.Bool("generate", false, "Write a random seed file and exit")
		users     = flag.Int("users", defaultUsers, "Users to generate")
		jobs      = flag.Int("jobs", defaultJobs, "Jobs to generate")
		dim       = flag.Int("dim", defaultDim, "Feature vector dimension")
		randSeed  = flag.Uint64("rand", 1, "PRNG seed")
		events    = flag.Int("events", defaultEvents, "Mutation events to publish")
		redeliver = flag.Float64("redeliver", 0.1, "Share of events sent twice")
		k         = flag.Int("k", defaultK, "Recommendations per user")
		sample    = flag.Int("sample", 0, "Users to verify (0 = all)")
		workers   = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout   = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		jobWait   = flag.Duration("job-wait", defaultJobWait, "How long to wait for the full recompute")
		adjusted  = flag.Bool("adjusted", false, "Service runs with score adjustments")
		verbose   = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}
	log := logger.Get()

	ctx, cancel := context.WithTimeout(context.Background(), defaultCheckTimeout)
	defer cancel()

	if *generate {
		seed := matchcheck.Generate(matchcheck.GenerateConfig{
			Users:     *users,
			Jobs:      *jobs,
			Dim:       *dim,
			Seed:      *randSeed,
			EntryRate: 0.2,
		})
		if err := matchcheck.WriteSeedFile(*seedFile, seed); err != nil {
			log.Error(ctx, "write seed file", logger.Error(err))
			os.Exit(1)
		}
		log.Info(ctx, "seed file written", logger.String("file", *seedFile))
		return
	}

	seed, err := matchcheck.ReadSeedFile(*seedFile)
	if err != nil {
		log.Error(ctx, "read seed file", logger.Error(err))
		os.Exit(1)
	}

	cfg := &matchcheck.Config{
		BaseURL:   *baseURL,
		SeedFile:  *seedFile,
		Events:    *events,
		Redeliver: *redeliver,
		K:         *k,
		Sample:    *sample,
		Workers:   *workers,
		Timeout:   *timeout,
		JobWait:   *jobWait,
		Adjusted:  *adjusted,
		Verbose:   *verbose,
	}
	rng := rand.New(rand.NewPCG(*randSeed, *randSeed+1))
	if _, err := matchcheck.Run(ctx, cfg, seed, rng); err != nil {
		log.Error(ctx, "match check failed", logger.Error(err))
		cancel()
		os.Exit(1)
	}
}
