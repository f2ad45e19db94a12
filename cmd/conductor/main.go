// Conductor is the orchestration daemon: it loads the agent fleet config,
// opens persistent A2A channels to every worker, and serves dispatch plans
// through the budget ledger, circuit breakers, and queue manager.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/dispatch"
	"conductor/pkg/ledger"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/tokens"
	"conductor/pkg/transport"
	"conductor/pkg/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get())
		return
	}

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "config/conductor.yaml"
	}

	if err := run(configPath); err != nil {
		log.Fatalf("conductor: %v", err)
	}
}

func run(configPath string) error {
	logger := logx.NewLogger("conductor")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("loaded config: %d agents, listen=%s metrics=%s", len(cfg.Agents), cfg.ListenAddr, cfg.MetricsAddr)

	recorder := metrics.NewPrometheusRecorder()

	var ledgerOpts []ledger.Option
	if cfg.Budget.StorePath != "" {
		store, err := ledger.OpenStore(cfg.Budget.StorePath)
		if err != nil {
			return fmt.Errorf("failed to open usage store: %w", err)
		}
		defer store.Close()
		ledgerOpts = append(ledgerOpts, ledger.WithStore(store))
	}
	led := ledger.New(cfg, ledgerOpts...)
	led.StartResetScheduler()
	defer led.Close()

	breakers := breaker.NewRegistry(cfg.Breaker, breaker.WithStateChange(
		func(agentID string, from, to breaker.State) {
			recorder.ObserveBreakerState(agentID, int(to), to.String())
		}))

	channels := make(map[string]dispatch.Channel, len(cfg.Agents))
	clients := make([]*transport.Client, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		client := transport.NewClient(a.ID, a.Address, cfg.Transport, func(agentID string, err error) {
			logger.Warn("channel to %s failed: %v", agentID, err)
			breakers.RecordFailure(agentID)
		})
		client.Start()
		channels[a.ID] = client
		clients = append(clients, client)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	estimator, err := tokens.NewEstimator()
	if err != nil {
		logger.Warn("tokenizer unavailable, falling back to length estimates: %v", err)
	}

	dispatcher := dispatch.New(cfg, led, breakers, channels, recorder, estimator)
	dispatcher.Start()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	var usage *metrics.QueryService
	if cfg.PrometheusURL != "" {
		usage, err = metrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			logger.Warn("usage query service disabled: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newAPIHandler(dispatcher, usage),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server: %v", err)
		}
	}()
	logger.Info("conductor %s serving on %s", version.Get(), cfg.ListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, initiating graceful shutdown", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown: %v", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("dispatcher shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// newAPIHandler serves the health and status endpoints:
//
//	GET /healthz          liveness
//	GET /status           all agents
//	GET /status/{agent}   one agent's budget, breaker, and queue state
//	GET /usage/{agent}    historical aggregates from Prometheus, if configured
//	POST /dispatch        execute a dispatch plan
func newAPIHandler(d *dispatch.Dispatcher, usage *metrics.QueryService) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !d.Healthy() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.AllStatus())
	})

	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		agentID := strings.TrimPrefix(r.URL.Path, "/status/")
		st, err := d.Status(agentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, st)
	})

	mux.HandleFunc("/usage/", func(w http.ResponseWriter, r *http.Request) {
		if usage == nil {
			http.Error(w, "prometheus_url not configured", http.StatusNotImplemented)
			return
		}
		agentID := strings.TrimPrefix(r.URL.Path, "/usage/")
		u, err := usage.GetAgentUsage(r.Context(), agentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, u)
	})

	mux.HandleFunc("/dispatch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		plan, err := req.toPlan()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		agg, err := d.Handle(r.Context(), plan, req.Payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, newDispatchResponse(agg))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Errorf("encode response: %v", err)
	}
}
