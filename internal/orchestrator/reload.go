package orchestrator

import (
	"context"
	"path/filepath"
	"time"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/cost"
)

const reloadDebounce = 250 * time.Millisecond

type enabler interface {
	SetEnabled(on bool)
}

// ApplyConfig swaps in cfg for subsequent cycles and pushes cost limits,
// rates and the reasoning switch to their owners. A saved limits override
// wins over the configured ceilings.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()

	if o.costCtl != nil {
		limits := cost.Limits{
			Daily:           cfg.Cost.DailyLimit,
			Weekly:          cfg.Cost.WeeklyLimit,
			PerProjectDaily: cfg.Cost.PerProjectDailyLimit,
		}
		if o.limits != "" {
			if l, ok, err := cost.LoadLimits(o.limits); err != nil {
				o.logger.Warn("limits override unreadable", "path", o.limits, "error", err)
			} else if ok {
				limits = l
			}
		}
		o.costCtl.SetLimits(limits)
		o.costCtl.SetRates(cfg.Cost.Rates, cfg.Cost.DefaultRate)
	}
	if e, ok := o.engine.(enabler); ok {
		e.SetEnabled(cfg.Reasoning.Enabled)
	}
}

// Reload handles a change to one watched file. An invalid config is logged
// and the running one kept.
func (o *Orchestrator) Reload(path string) {
	cur := o.config()
	switch {
	case cur.Path != "" && samePath(path, cur.Path):
		cfg, err := config.Load(path)
		if err != nil {
			o.logger.Warn("config reload failed, keeping current config", "path", path, "error", err)
			return
		}
		if verrs := config.Validate(cfg); len(verrs) > 0 {
			o.logger.Warn("reloaded config invalid, keeping current config", "path", path, "error", verrs[0].Error(), "problems", len(verrs))
			return
		}
		o.ApplyConfig(cfg)
		o.logger.Info("config reloaded", "path", path)
	case o.limits != "" && samePath(path, o.limits):
		o.ApplyConfig(cur)
		o.logger.Info("cost limits reloaded", "path", path)
	case o.creds != "" && samePath(path, o.creds):
		// The reasoning client reads the key per call; re-enabling clears the
		// missing-credential warning.
		if e, ok := o.engine.(enabler); ok {
			e.SetEnabled(cur.Reasoning.Enabled)
		}
		o.logger.Info("credentials reloaded", "path", path)
	}
}

func (o *Orchestrator) watchConfig(ctx context.Context) {
	var paths []string
	for _, p := range []string{o.config().Path, o.limits, o.creds} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return
	}
	if err := config.Watch(ctx, paths, reloadDebounce, o.Reload); err != nil {
		o.logger.Warn("config watch stopped", "error", err)
	}
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}
