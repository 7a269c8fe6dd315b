package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"finrag/internal/app"
	"finrag/internal/server"
	"finrag/internal/vectorstore"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /health, /ask and /metrics over HTTP",
	Long: `Starts the HTTP API. The vector index is loaded once on the first question
and shared by all requests; until ingestion has produced it, /ask answers 503.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides http_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := server.NewMetrics()
	a, err := openApp(ctx, app.WithDropHook(metrics.ObserveDropped))
	if err != nil {
		return err
	}
	defer a.Close()

	// Fail fast on a bad generator configuration.
	if _, err := a.Generator(); err != nil {
		return err
	}
	if _, err := a.Engine(ctx); err != nil {
		if !errors.Is(err, vectorstore.ErrMissingIndex) {
			return err
		}
		log.Warn().Err(err).Msg("Serving without an index, /ask returns 503 until ingestion runs")
	}

	srv := server.New(func(ctx context.Context) (server.Answerer, error) {
		eng, err := a.Engine(ctx)
		if err != nil {
			return nil, err
		}
		return eng.Composer, nil
	}, metrics, server.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	addr := cfg.HTTPAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	return server.ListenAndServe(ctx, addr, srv.Handler())
}
