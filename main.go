package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pilot/api"
	"pilot/config"
	"pilot/decision"
	"pilot/engine"
	"pilot/exchange"
	"pilot/executor"
	"pilot/market"
	"pilot/perf"
	"pilot/risk"
	"pilot/store"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Autonomous futures trading loop driven by a decision model",
	Long: "pilot runs a continuous control loop: snapshot the market, ask the " +
		"decision model for intents, validate them against hard risk limits, " +
		"execute the survivors, and track account performance.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "config.json", "path to the configuration file")
}

func main() {
	// Load .env if present; the OS environment is the fallback either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("failed to load .env file")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Hosting platforms inject the listen port through the environment.
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.API.Port = n
		}
	}

	log := newLogger(cfg.Logging)
	log.WithFields(logrus.Fields{
		"exchange":    cfg.Exchange.Name,
		"instruments": cfg.Instruments,
		"interval":    cfg.Interval(),
		"model":       cfg.Oracle.Model,
	}).Info("configuration loaded")

	st, err := store.Open(cfg.Store.Backend, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker, err := restoreTracker(ctx, st, cfg.InitialBalance)
	if err != nil {
		return fmt.Errorf("failed to restore performance history: %w", err)
	}

	client, err := buildExchange(cfg, log)
	if err != nil {
		return err
	}

	provider := market.NewProvider(cfg.Instruments, log)
	oracle := decision.NewOracle(decision.OracleOptions{
		Model:       cfg.Oracle.Model,
		BaseURL:     cfg.Oracle.BaseURL,
		APIKey:      cfg.Oracle.APIKey,
		Temperature: cfg.Oracle.Temperature,
		Timeout:     cfg.OracleTimeout(),
	}, provider.Instruments(), decision.PromptPolicy{
		MinLeverage:            cfg.Risk.MinLeverage,
		MaxLeverage:            cfg.Risk.MaxLeverage,
		MinLiquidationDistance: cfg.Risk.MinLiquidationDistance,
		MaxRiskFraction:        cfg.Risk.MaxRiskFraction,
	}, log)
	validator := risk.New(cfg.Risk)
	exec := executor.New(client, st, log)

	hub := api.NewHub(log)
	go hub.Run()
	defer hub.Close()

	orch := engine.New(provider, oracle, validator, exec, client, st, tracker, hub, engine.Options{
		Interval:         cfg.Interval(),
		CacheClearCycles: cfg.CacheClearCycles,
		MaxPositions:     cfg.Risk.MaxPositions,
	}, log)
	if err := orch.RestoreCycle(ctx); err != nil {
		return fmt.Errorf("failed to restore cycle counter: %w", err)
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(orch, st, hub, cfg.API.Port, log)
		go func() {
			if err := server.Start(); err != nil {
				log.WithError(err).Error("API server stopped")
				stop()
			}
		}()
	}

	err = orch.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			log.WithError(serr).Warn("API server shutdown failed")
		}
	}
	log.Info("shutdown complete")
	return err
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	return log
}

// restoreTracker anchors return percentage to the first value the
// account was ever observed at, so restarts do not reset performance.
func restoreTracker(ctx context.Context, st store.Store, initialBalance float64) (*perf.Tracker, error) {
	first, err := st.FirstAccountValue(ctx)
	if err != nil {
		return nil, err
	}
	if first <= 0 {
		first = initialBalance
	}
	history, err := st.SnapshotsSince(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	return perf.Restore(first, history), nil
}

func buildExchange(cfg *config.Config, log *logrus.Logger) (exchange.Client, error) {
	switch cfg.Exchange.Name {
	case "binance":
		return exchange.NewBinance(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Testnet, log), nil
	case "paper":
		// Live mark prices, simulated fills. Public market data needs no keys.
		quoter := exchange.NewBinance("", "", false, log)
		return exchange.NewPaper(cfg.InitialBalance, quoter, log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange '%s'", cfg.Exchange.Name)
	}
}
