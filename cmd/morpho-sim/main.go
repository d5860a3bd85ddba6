// Command morpho-sim runs the matching layer against the simulated pool,
// optionally replaying a scripted scenario, and serves health and metrics
// endpoints while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"morpho/config"
	"morpho/engine"
	"morpho/observability"
	"morpho/observability/logging"
	"morpho/oracle"
	"morpho/pool"
	"morpho/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration")
	scenarioPath := flag.String("scenario", "", "optional YAML scenario to replay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup("morpho-sim", cfg.Environment)
	runID := uuid.NewString()
	log = log.With("run_id", runID)

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	simPool := pool.New(pool.NewRateModel(
		cfg.RateModel.BaseRate, cfg.RateModel.Slope1, cfg.RateModel.Slope2, cfg.RateModel.Kink))
	prices := oracle.NewStatic()
	store := storage.NewStore(db)

	eng, err := engine.NewEngine(store, simPool, prices)
	if err != nil {
		log.Error("engine init", "error", err)
		os.Exit(1)
	}
	eng.SetLogger(log)
	eng.SetMetrics(observability.Engine())
	eng.SetMaxSortedUsers(cfg.MaxSortedUsers)
	eng.SetDefaultMatchingGas(cfg.DefaultMatchingGas)

	if err := setupMarkets(cfg, eng, simPool, prices, store); err != nil {
		log.Error("market setup", "error", err)
		os.Exit(1)
	}
	if err := eng.RebuildRegistries(); err != nil {
		log.Error("rebuild registries", "error", err)
		os.Exit(1)
	}
	log.Info("engine ready", "markets", len(cfg.Markets), "data_dir", cfg.DataDir)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","run_id":%q}`, runID)
	})
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: cfg.ListenAddress, Handler: router}
	go func() {
		log.Info("http server listening", "address", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
		}
	}()

	if *scenarioPath != "" {
		s, err := loadScenario(*scenarioPath)
		if err != nil {
			log.Error("load scenario", "error", err)
			os.Exit(1)
		}
		log.Info("replaying scenario", "name", s.Name, "steps", len(s.Steps))
		s.run(eng, log)
		log.Info("scenario complete", "name", s.Name)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	log.Info("simulator stopped")
}

func openDatabase(dataDir string) (storage.Database, error) {
	if dataDir == "" || dataDir == ":memory:" {
		return storage.NewMemDB(), nil
	}
	return storage.NewLevelDB(dataDir)
}

// setupMarkets lists every configured reserve on the pool, pins its oracle
// price and creates the market unless a previous run already did.
func setupMarkets(cfg *config.Config, eng *engine.Engine, simPool *pool.Pool, prices *oracle.Static, store *storage.Store) error {
	for _, mc := range cfg.Markets {
		token := common.HexToAddress(mc.Underlying)
		simPool.ListReserve(token, 0)

		if mc.PriceWad != "" {
			price, err := uint256.FromDecimal(mc.PriceWad)
			if err != nil {
				return fmt.Errorf("market %s: price: %w", token.Hex(), err)
			}
			prices.SetPrice(token, price)
		}

		existing, err := store.GetMarket(token)
		if err != nil {
			return err
		}
		if existing.Created() {
			continue
		}
		if err := eng.CreateMarket(token, engine.MarketParams{
			ReserveFactorBps:        mc.ReserveFactorBps,
			P2PIndexCursorBps:       mc.P2PIndexCursorBps,
			LtvBps:                  mc.LtvBps,
			LiquidationThresholdBps: mc.LiquidationThresholdBps,
			LiquidationBonusBps:     mc.LiquidationBonusBps,
		}); err != nil {
			return fmt.Errorf("create market %s: %w", token.Hex(), err)
		}
	}
	return nil
}
