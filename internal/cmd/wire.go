package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/franklinbaldo/julesched/internal/agent"
	"github.com/franklinbaldo/julesched/internal/catalog"
	"github.com/franklinbaldo/julesched/internal/config"
	"github.com/franklinbaldo/julesched/internal/gate"
	"github.com/franklinbaldo/julesched/internal/github"
	"github.com/franklinbaldo/julesched/internal/gitx"
	"github.com/franklinbaldo/julesched/internal/logging"
	"github.com/franklinbaldo/julesched/internal/reconcile"
	"github.com/franklinbaldo/julesched/internal/scheduler"
	"github.com/franklinbaldo/julesched/internal/state"
)

// statusRuntime is the read-only subset used by commands that never touch
// the network.
type statusRuntime struct {
	catalog *catalog.Catalog
	store   *state.Store
}

// buildStatusRuntime loads only the catalog and state store.
func buildStatusRuntime(cfg *config.Config) (*statusRuntime, error) {
	cat, err := catalog.Load(filepath.Join(repoDir, cfg.Paths.Catalog))
	if err != nil {
		return nil, err
	}
	return &statusRuntime{
		catalog: cat,
		store:   state.NewStore(filepath.Join(repoDir, cfg.Paths.StateFile)),
	}, nil
}

// runtime bundles everything a command needs.
type runtime struct {
	cfg     *config.Config
	log     *logging.Logger
	catalog *catalog.Catalog
	store   *state.Store
	engine  *scheduler.Engine
	lock    *state.TickLock
}

// buildRuntime wires the scheduler from configuration. The agent API key is
// read from the environment variable named by agent.api_key_env.
func buildRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	cat, err := catalog.Load(filepath.Join(repoDir, cfg.Paths.Catalog))
	if err != nil {
		return nil, err
	}
	store := state.NewStore(filepath.Join(repoDir, cfg.Paths.StateFile))

	branches := gitx.NewBranches(repoDir, cfg.Repo.Remote, log)

	repo := cfg.Repo.Owner + "/" + cfg.Repo.Name
	if cfg.Repo.Owner == "" || cfg.Repo.Name == "" {
		repo, err = github.DetectRepo(repoDir, cfg.Repo.Remote, &gitx.CLICommandExecutor{})
		if err != nil {
			return nil, err
		}
	}

	ghClient := github.NewClient(repoDir, repo, log)
	prGate := gate.New(ghClient, cfg.Gate, log)

	apiKey := os.Getenv(cfg.Agent.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.Agent.APIKeyEnv)
	}
	sessions := agent.NewClient(cfg.Agent.BaseURL, apiKey, cfg.Agent.Timeout, log)

	tracker := reconcile.NewTracker(filepath.Join(repoDir, cfg.Paths.ReconcileDir))
	recon := reconcile.NewManager(tracker, sessions, branches, repo, cfg.Reconcile.MaxDiffChars, log)

	engine := scheduler.New(cfg, cat, store, branches, prGate, ghClient, sessions, recon, repo, log)
	lock := state.NewTickLock(
		filepath.Join(repoDir, filepath.Dir(cfg.Paths.StateFile), "tick.lock"),
		time.Hour,
	)
	return &runtime{
		cfg:     cfg,
		log:     log,
		catalog: cat,
		store:   store,
		engine:  engine,
		lock:    lock,
	}, nil
}
