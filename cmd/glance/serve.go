package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/neboloop/glance/internal/janitor"
	"github.com/neboloop/glance/internal/logging"
	"github.com/neboloop/glance/internal/server"
)

// ServeCmd creates the serve command
func ServeCmd() *cobra.Command {
	var (
		addr  string
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP API",
		Long: `Serve the agent on a local HTTP API for the desktop shell:

  POST   /api/v1/agent/turns               run a turn
  DELETE /api/v1/agent/turns/{requestID}   cancel a running turn
  GET    /api/v1/skills                    list skills (also POST, GET/PUT/DELETE /{name})
  GET    /api/v1/events                    websocket progress stream
  GET    /health, /metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			app, err := newAgentApp(ctx, cfg, reg)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.skills.Watch(ctx); err != nil {
				logging.Warnf("skill watcher disabled: %v", err)
			}

			j := janitor.New(cfg.TasksDir(), cfg.Janitor.MaxAge)
			if err := j.Start(cfg.Janitor.Schedule); err != nil {
				logging.Warnf("task output janitor disabled: %v", err)
			}
			defer j.Stop()

			server.Version = Version
			srv := server.New(server.Options{
				Addr:     cfg.Server.Addr,
				Agent:    app.runner,
				Bus:      app.bus,
				Gatherer: reg,
				Quiet:    quiet,
			})
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config: server.addr)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the request log")
	return cmd
}
