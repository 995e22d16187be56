package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/neboloop/glance/internal/agent/ai"
	agentcfg "github.com/neboloop/glance/internal/agent/config"
	"github.com/neboloop/glance/internal/agent/recall"
	"github.com/neboloop/glance/internal/agent/runner"
	"github.com/neboloop/glance/internal/agent/skills"
	"github.com/neboloop/glance/internal/defaults"
	"github.com/neboloop/glance/internal/events"
	"github.com/neboloop/glance/internal/logging"
	"github.com/neboloop/glance/internal/metrics"
	"github.com/neboloop/glance/internal/store"
)

// agentApp is the wired agent shared by chat and serve.
type agentApp struct {
	cfg     *agentcfg.Config
	runner  *runner.Runner
	skills  *skills.Registry
	store   *store.SQLite
	bus     *events.Bus
	metrics *metrics.Metrics
}

// newAgentApp builds the runner from cfg. A missing summary database only
// disables screen recall.
func newAgentApp(ctx context.Context, cfg *agentcfg.Config, reg prometheus.Registerer) (*agentApp, error) {
	if err := defaults.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}

	provider, err := ai.New(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("model provider: %w", err)
	}

	registry := skills.NewRegistry(cfg.SkillsDir(), nil)
	if n, err := registry.EnsureBuiltins(defaults.BuiltinSkills()); err != nil {
		logging.Warnf("failed to install built-in skills: %v", err)
	} else if n > 0 {
		logging.Debugf("installed %d built-in skill files", n)
	}

	app := &agentApp{
		cfg:    cfg,
		skills: registry,
		bus:    events.NewBus(logging.With("component", "events")),
	}
	if reg != nil {
		app.metrics = metrics.New(reg)
	}

	app.runner = runner.New(cfg, provider, registry)
	app.runner.SetEventBus(app.bus)
	app.runner.SetMetrics(app.metrics)

	if _, err := os.Stat(cfg.DBPath()); err == nil {
		st, err := store.Open(ctx, cfg.DBPath())
		if err != nil {
			logging.Warnf("screen recall disabled: %v", err)
		} else {
			app.store = st
			app.runner.SetRecall(recall.NewRetriever(st, cfg.Recall))
		}
	} else {
		logging.Debugf("no summary database at %s; screen recall disabled", cfg.DBPath())
	}
	return app, nil
}

func (a *agentApp) Close() {
	a.skills.Close()
	if a.store != nil {
		a.store.Close()
	}
}
