package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meridianfin/meridian/internal/engine"
	"github.com/meridianfin/meridian/internal/executor"
	"github.com/meridianfin/meridian/internal/marketdata"
	"github.com/meridianfin/meridian/internal/provider"
	"github.com/meridianfin/meridian/internal/provider/anthropic"
	"github.com/meridianfin/meridian/internal/provider/openai"
	"github.com/meridianfin/meridian/internal/server"
	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/store"
)

var (
	servePort        int
	serveHost        string
	serveDB          string
	serveParallelism int
	serveGlobal      int
	serveRetention   time.Duration
	serveAIRate      float64
	serveAIBurst     int
	serveMetrics     bool
	serveCORS        bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the meridian server",
	Long: `Run the workflow execution server.

The server recovers interrupted executions from the database at
startup, then serves the REST API and websocket event streams.

Examples:
  meridian serve                              # sqlite at ./meridian.db
  meridian serve --db /var/lib/meridian.db --port 9090
  meridian serve --db memory                  # volatile, for development`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(serveDB)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		providers := provider.NewRegistry(serveAIRate, serveAIBurst)
		registerProviders(providers)

		var source marketdata.Source
		if os.Getenv("MERIDIAN_MARKETDATA_URL") != "" {
			source, err = marketdata.NewHTTPSource(nil)
			if err != nil {
				return fmt.Errorf("market data source: %w", err)
			}
		} else {
			log.Warn().Msg("MERIDIAN_MARKETDATA_URL not set, using mock market data")
			source = marketdata.NewMockSource()
		}

		engineConfig := engine.DefaultConfig()
		if serveParallelism > 0 {
			engineConfig.MaxParallelism = serveParallelism
		}
		if serveGlobal > 0 {
			engineConfig.GlobalParallelism = serveGlobal
		}
		if serveRetention > 0 {
			engineConfig.Retention = serveRetention
		}

		eng := engine.New(engineConfig, st, step.NewLibrary(), executor.NewRegistry(providers, source))
		if err := eng.Recover(cmd.Context()); err != nil {
			return fmt.Errorf("recovering executions: %w", err)
		}

		serverConfig := server.DefaultConfig()
		serverConfig.Host = serveHost
		serverConfig.Port = servePort
		serverConfig.EnableMetrics = serveMetrics
		serverConfig.EnableCORS = serveCORS

		return server.New(serverConfig, eng).StartWithGracefulShutdown()
	},
}

// openStore opens the backing store. "memory" selects the volatile
// in-process store.
func openStore(path string) (store.Store, error) {
	if path == "memory" {
		log.Warn().Msg("Using in-memory store, state will not survive restarts")
		return store.NewMemoryStore(), nil
	}
	st, err := store.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	return st, nil
}

// registerProviders wires whichever AI providers have credentials. A
// server without any falls back to failing AI steps at dispatch time.
func registerProviders(registry *provider.Registry) {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		p, err := anthropic.NewProvider(nil)
		if err != nil {
			log.Warn().Err(err).Msg("Anthropic provider unavailable")
		} else if err := registry.Register(p); err != nil {
			log.Warn().Err(err).Msg("Anthropic provider registration failed")
		}
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		p, err := openai.NewProvider(nil)
		if err != nil {
			log.Warn().Err(err).Msg("OpenAI provider unavailable")
		} else if err := registry.Register(p); err != nil {
			log.Warn().Err(err).Msg("OpenAI provider registration failed")
		}
	}
	if len(registry.Names()) == 0 {
		log.Warn().Msg("No AI providers configured, AI steps will fail")
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "server port")
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "server host")
	serveCmd.Flags().StringVar(&serveDB, "db", "meridian.db", "sqlite database path, or \"memory\"")
	serveCmd.Flags().IntVar(&serveParallelism, "max-parallelism", 0, "default per-execution step parallelism")
	serveCmd.Flags().IntVar(&serveGlobal, "global-parallelism", 0, "step parallelism across all executions")
	serveCmd.Flags().DurationVar(&serveRetention, "retention", 0, "how long to keep terminated executions (0 = default 90 days)")
	serveCmd.Flags().Float64Var(&serveAIRate, "ai-rate", 10, "AI provider calls per second")
	serveCmd.Flags().IntVar(&serveAIBurst, "ai-burst", 20, "AI provider call burst")
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", true, "enable Prometheus metrics endpoint")
	serveCmd.Flags().BoolVar(&serveCORS, "cors", true, "enable CORS headers")
}
