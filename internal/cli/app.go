package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/cost"
	"github.com/lucasnoah/steward/internal/db"
	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/executor"
	"github.com/lucasnoah/steward/internal/github"
	"github.com/lucasnoah/steward/internal/logging"
	"github.com/lucasnoah/steward/internal/notify"
	"github.com/lucasnoah/steward/internal/orchestrator"
	"github.com/lucasnoah/steward/internal/reasoning"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/resource"
	"github.com/lucasnoah/steward/internal/session"
	"github.com/lucasnoah/steward/internal/telemetry"
)

// Files under the state root.
const (
	ledgerFile = "cost.json"
	limitsFile = "limits.json"
)

// app holds what one command invocation needs. close releases it.
type app struct {
	cfg     *config.Config
	home    string
	store   *registry.Store
	db      *db.DB
	logger  *logging.Logger
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) limitsPath() string { return filepath.Join(a.home, limitsFile) }
func (a *app) ledgerPath() string { return filepath.Join(a.home, ledgerFile) }

// loadConfig reads --config or the default search path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// newApp loads config and opens the registry. withDB also opens and
// migrates the event database.
func newApp(withDB bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, home: config.Home()}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, func() { logger.Close() })

	a.store = registry.NewStore(filepath.Join(a.home, "projects")).WithHistoryWindow(cfg.DecisionHistory())

	if withDB {
		d, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := d.Migrate(); err != nil {
			d.Close()
			a.close()
			return nil, err
		}
		a.db = d
		a.closers = append(a.closers, func() { d.Close() })
	}
	return a, nil
}

// newGovernor builds the cost governor with any saved limits override applied.
func (a *app) newGovernor() (*cost.Governor, error) {
	var sink cost.Sink
	if a.db != nil {
		sink = a.db
	}
	gov := cost.NewFromConfig(a.cfg.Cost, a.ledgerPath(), sink, a.logger)
	l, ok, err := cost.LoadLimits(a.limitsPath())
	if err != nil {
		return nil, fmt.Errorf("read limits override: %w", err)
	}
	if ok {
		gov.SetLimits(l)
	}
	return gov, nil
}

type runOpts struct {
	forceRecovery bool
	skipLock      bool
	instruments   *telemetry.Instruments
}

// newOrchestrator wires every collaborator from config.
func (a *app) newOrchestrator(opts runOpts) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	gov, err := a.newGovernor()
	if err != nil {
		return nil, err
	}

	creds := config.DefaultCredentials()
	client := reasoning.NewClient(cfg.Reasoning, func() (string, error) {
		key, _, err := creds.APIKey()
		return key, err
	})
	engine := decision.NewEngine(decision.EngineOptions{
		Enabled:    cfg.Reasoning.Enabled,
		Delegated:  decision.NewDelegated(client, cfg.Reasoning.MaxOutputUnits, cfg.Reasoning.HistoryWindow),
		Governor:   gov,
		LoopWindow: cfg.LoopDetection.Window,
		Logger:     a.logger,
	})

	var events orchestrator.EventLog
	notifier := &notify.LogNotifier{Logger: a.logger}
	if a.db != nil {
		events = a.db
		notifier.Events = a.db
	}

	sessions := session.NewCollaborator(session.NewExecTmux(), session.Options{Logger: a.logger})
	exec := executor.New(executor.Options{
		Session:        sessions,
		VCS:            github.NewClient(&github.ExecRunner{}),
		Store:          a.store,
		Notifier:       notifier,
		Config:         cfg.Executor,
		CaptureTimeout: cfg.Orchestrator.CaptureTimeout,
		SendTimeout:    cfg.Orchestrator.SendTimeout,
		Logger:         a.logger,
	})

	sampler, err := resource.ProcessSampler()
	if err != nil {
		a.logger.Warn("resource sampling disabled", "error", err)
		sampler = nil
	}

	return orchestrator.New(orchestrator.Options{
		Config:          cfg,
		Home:            a.home,
		Store:           a.store,
		Sessions:        sessions,
		Engine:          engine,
		Executor:        exec,
		Events:          events,
		Notifier:        notifier,
		Cost:            gov,
		Sampler:         sampler,
		Instruments:     opts.instruments,
		Logger:          a.logger,
		ForceRecovery:   opts.forceRecovery,
		SkipLock:        opts.skipLock,
		LimitsPath:      a.limitsPath(),
		CredentialsPath: creds.Path,
	}), nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
