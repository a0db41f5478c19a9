// Package cost tracks spend on delegated reasoning calls and vetoes further
// calls once a daily or weekly ceiling is met.
package cost

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/fsutil"
	"github.com/lucasnoah/steward/internal/logging"
)

// Usage is billed units reported by the reasoning service.
type Usage struct {
	InputUnits  int
	OutputUnits int
}

// Verdict is the answer to CanProceed.
type Verdict struct {
	Allow  bool
	Reason string
}

// Limits are spend ceilings in USD. Zero disables a ceiling.
type Limits struct {
	Daily           float64 `json:"daily"`
	Weekly          float64 `json:"weekly"`
	PerProjectDaily float64 `json:"per_project_daily"`
}

// Entry is one recorded spend.
type Entry struct {
	Project     string    `json:"project"`
	Model       string    `json:"model,omitempty"`
	USD         float64   `json:"usd"`
	InputUnits  int       `json:"input_units,omitempty"`
	OutputUnits int       `json:"output_units,omitempty"`
	At          time.Time `json:"at"`
}

// Sink receives every recorded entry, e.g. the event database.
type Sink interface {
	LogCost(e Entry) error
}

// Summary is a point-in-time view of the running totals.
type Summary struct {
	Day           string             `json:"day"`
	Week          string             `json:"week"`
	Daily         float64            `json:"daily"`
	Weekly        float64            `json:"weekly"`
	ProjectDaily  map[string]float64 `json:"project_daily"`
	ProjectWeekly map[string]float64 `json:"project_weekly"`
	Limits        Limits             `json:"limits"`
}

// ledger is the persisted form of the running totals.
type ledger struct {
	Day           string             `json:"day"`
	Week          string             `json:"week"`
	Daily         float64            `json:"daily"`
	Weekly        float64            `json:"weekly"`
	ProjectDaily  map[string]float64 `json:"project_daily"`
	ProjectWeekly map[string]float64 `json:"project_weekly"`
	Recent        []Entry            `json:"recent"`
}

const recentEntries = 50

// Options configures a Governor.
type Options struct {
	Limits      Limits
	Rates       map[string]config.Rate
	DefaultRate config.Rate
	// LedgerPath persists totals across restarts. Empty keeps them in memory.
	LedgerPath string
	Sink       Sink
	Logger     *logging.Logger
	Now        func() time.Time
}

// Governor enforces spend ceilings. Safe for concurrent use.
type Governor struct {
	mu          sync.Mutex
	limits      Limits
	rates       map[string]config.Rate
	defaultRate config.Rate
	ledgerPath  string
	sink        Sink
	logger      *logging.Logger
	now         func() time.Time

	state        ledger
	warnedModels map[string]bool
	warnedVetoes map[string]bool
}

// New creates a Governor, restoring totals from the ledger when it belongs to
// the current window. A missing ledger starts from zero; an unreadable one is
// logged and ignored.
func New(opts Options) *Governor {
	g := &Governor{
		limits:       opts.Limits,
		rates:        opts.Rates,
		defaultRate:  opts.DefaultRate,
		ledgerPath:   opts.LedgerPath,
		sink:         opts.Sink,
		logger:       logging.OrNop(opts.Logger).With("component", "cost"),
		now:          opts.Now,
		warnedModels: make(map[string]bool),
		warnedVetoes: make(map[string]bool),
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.rates == nil {
		g.rates = map[string]config.Rate{}
	}
	g.state = ledger{ProjectDaily: map[string]float64{}, ProjectWeekly: map[string]float64{}}

	if g.ledgerPath != "" {
		var saved ledger
		if err := fsutil.ReadJSON(g.ledgerPath, &saved); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				g.logger.Warn("cost ledger unreadable, starting from zero", "path", g.ledgerPath, "error", err)
			}
		} else {
			if saved.ProjectDaily == nil {
				saved.ProjectDaily = map[string]float64{}
			}
			if saved.ProjectWeekly == nil {
				saved.ProjectWeekly = map[string]float64{}
			}
			g.state = saved
		}
	}
	g.rollLocked()
	return g
}

// NewFromConfig builds a Governor from the cost section of cfg.
func NewFromConfig(cfg config.CostConfig, ledgerPath string, sink Sink, logger *logging.Logger) *Governor {
	return New(Options{
		Limits:      Limits{Daily: cfg.DailyLimit, Weekly: cfg.WeeklyLimit, PerProjectDaily: cfg.PerProjectDailyLimit},
		Rates:       cfg.Rates,
		DefaultRate: cfg.DefaultRate,
		LedgerPath:  ledgerPath,
		Sink:        sink,
		Logger:      logger,
	})
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

func weekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// rollLocked resets totals whose window has ended.
func (g *Governor) rollLocked() {
	now := g.now()
	if d := dayKey(now); g.state.Day != d {
		g.state.Day = d
		g.state.Daily = 0
		g.state.ProjectDaily = map[string]float64{}
	}
	if w := weekKey(now); g.state.Week != w {
		g.state.Week = w
		g.state.Weekly = 0
		g.state.ProjectWeekly = map[string]float64{}
	}
}

// CanProceed reports whether a delegated call for project may be made.
// Ceilings are inclusive: spend equal to a limit vetoes.
func (g *Governor) CanProceed(project string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()

	check := func(scope, window string, spent, limit float64) *Verdict {
		if limit <= 0 || spent < limit {
			return nil
		}
		v := &Verdict{Reason: fmt.Sprintf("%s spend $%.2f reached limit $%.2f", scope, spent, limit)}
		key := window + "|" + scope
		if !g.warnedVetoes[key] {
			g.warnedVetoes[key] = true
			g.logger.Warn("cost ceiling reached, delegated decisions disabled until window resets",
				"scope", scope, "spent", spent, "limit", limit, "window", window)
		}
		return v
	}

	if v := check("daily", g.state.Day, g.state.Daily, g.limits.Daily); v != nil {
		return *v
	}
	if v := check("weekly", g.state.Week, g.state.Weekly, g.limits.Weekly); v != nil {
		return *v
	}
	if v := check("project "+project+" daily", g.state.Day, g.state.ProjectDaily[project], g.limits.PerProjectDaily); v != nil {
		return *v
	}
	return Verdict{Allow: true}
}

// Price converts usage to USD for model. Unknown models use the default
// rate and log a warning once per model.
func (g *Governor) Price(model string, u Usage) float64 {
	g.mu.Lock()
	rate, ok := g.rates[model]
	if !ok {
		rate = g.defaultRate
		if !g.warnedModels[model] {
			g.warnedModels[model] = true
			g.logger.Warn("no rate configured for model, using default rate",
				"model", model, "input_per_million", rate.InputPerMillion, "output_per_million", rate.OutputPerMillion)
		}
	}
	g.mu.Unlock()
	return float64(u.InputUnits)*rate.InputPerMillion/1e6 + float64(u.OutputUnits)*rate.OutputPerMillion/1e6
}

// RecordUsage prices u for model, records it against project, and returns the USD amount.
func (g *Governor) RecordUsage(project, model string, u Usage) float64 {
	usd := g.Price(model, u)
	g.record(Entry{Project: project, Model: model, USD: usd, InputUnits: u.InputUnits, OutputUnits: u.OutputUnits})
	return usd
}

// Record adds usd of spend for project.
func (g *Governor) Record(project string, usd float64) {
	g.record(Entry{Project: project, USD: usd})
}

func (g *Governor) record(e Entry) {
	if e.USD < 0 {
		e.USD = 0
	}
	g.mu.Lock()
	g.rollLocked()
	e.At = g.now().UTC()
	g.state.Daily += e.USD
	g.state.Weekly += e.USD
	g.state.ProjectDaily[e.Project] += e.USD
	g.state.ProjectWeekly[e.Project] += e.USD
	g.state.Recent = append(g.state.Recent, e)
	if len(g.state.Recent) > recentEntries {
		g.state.Recent = g.state.Recent[len(g.state.Recent)-recentEntries:]
	}
	g.persistLocked()
	g.mu.Unlock()

	if g.sink != nil {
		if err := g.sink.LogCost(e); err != nil {
			g.logger.Warn("failed to log cost entry", "project", e.Project, "error", err)
		}
	}
}

func (g *Governor) persistLocked() {
	if g.ledgerPath == "" {
		return
	}
	if err := fsutil.WriteJSON(g.ledgerPath, g.state); err != nil {
		g.logger.Warn("failed to persist cost ledger", "path", g.ledgerPath, "error", err)
	}
}

// SetLimits replaces the ceilings. A raised limit re-arms the one-time veto warning.
func (g *Governor) SetLimits(l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = l
	g.warnedVetoes = make(map[string]bool)
	g.logger.Info("cost limits updated", "daily", l.Daily, "weekly", l.Weekly, "per_project_daily", l.PerProjectDaily)
}

// SetRates replaces the rate table.
func (g *Governor) SetRates(rates map[string]config.Rate, def config.Rate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rates == nil {
		rates = map[string]config.Rate{}
	}
	g.rates = rates
	g.defaultRate = def
}

// Summary returns the current totals.
func (g *Governor) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	s := Summary{
		Day:           g.state.Day,
		Week:          g.state.Week,
		Daily:         g.state.Daily,
		Weekly:        g.state.Weekly,
		ProjectDaily:  make(map[string]float64, len(g.state.ProjectDaily)),
		ProjectWeekly: make(map[string]float64, len(g.state.ProjectWeekly)),
		Limits:        g.limits,
	}
	for k, v := range g.state.ProjectDaily {
		s.ProjectDaily[k] = v
	}
	for k, v := range g.state.ProjectWeekly {
		s.ProjectWeekly[k] = v
	}
	return s
}

// Recent returns the most recent entries, newest last.
func (g *Governor) Recent() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Entry, len(g.state.Recent))
	copy(out, g.state.Recent)
	return out
}

// Projects returns project names with spend this week, sorted.
func (s Summary) Projects() []string {
	names := make([]string, 0, len(s.ProjectWeekly))
	for n := range s.ProjectWeekly {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SaveLimits writes an operator override of the configured ceilings.
func SaveLimits(path string, l Limits) error {
	if l.Daily < 0 || l.Weekly < 0 || l.PerProjectDaily < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return fsutil.WriteJSON(path, l)
}

// LoadLimits reads an override written by SaveLimits. ok is false when none exists.
func LoadLimits(path string) (l Limits, ok bool, err error) {
	if err := fsutil.ReadJSON(path, &l); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Limits{}, false, nil
		}
		return Limits{}, false, err
	}
	return l, true, nil
}
