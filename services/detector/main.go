package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/aggregator"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/config"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/dispatch"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/history"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/mitigation"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/ml"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/pipeline"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/statestore"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/store"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/structlog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := structlog.NewLogger(cfg.ServiceName, structlog.ParseLevel(cfg.LogLevel), nil)

	ensemble, anomaly, art, err := buildEnsemble(cfg)
	if err != nil {
		log.Fatal("ensemble init failed", structlog.Fields{"error": err.Error()})
	}
	explainer := ml.NewExplainer(ensemble, art, cfg.ExplainSamples, cfg.ExplainBudget)

	agg := aggregator.New(aggregator.Config{
		WindowSize:    cfg.WindowSize,
		MaxIdentities: cfg.MaxIdentities,
		ShardCount:    cfg.ShardCount,
	})

	states := statestore.New(cfg.ShardCount, cfg.MaxIdentities)
	engine, err := mitigation.NewEngine(states, mitigation.Config{
		SuspiciousThreshold: cfg.SuspiciousThreshold,
		BlockThreshold:      cfg.BlockThreshold,
		BlockAfterN:         cfg.BlockAfterN,
		ClearAfterM:         cfg.ClearAfterM,
		BlockDuration:       cfg.BlockDuration,
		BlockDurationCap:    cfg.BlockDurationCap,
		ProbationWindow:     cfg.ProbationWindow,
		IdleTimeout:         cfg.IdleTimeout,
	})
	if err != nil {
		log.Fatal("mitigation init failed", structlog.Fields{"error": err.Error()})
	}

	var audit *store.AuditStore
	if cfg.DatabaseURL != "" {
		audit, err = store.NewAuditStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("audit store init failed", structlog.Fields{"error": err.Error()})
		}
		defer audit.Close()
	}

	var recorder dispatch.UndeliveredRecorder
	if audit != nil {
		recorder = func(sink, kind, payloadID, identity string, lastErr error) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			msg := ""
			if lastErr != nil {
				msg = lastErr.Error()
			}
			if err := audit.RecordUndelivered(ctx, sink, kind, payloadID, identity, msg); err != nil {
				log.Warn("undelivered record failed", structlog.Fields{"payload_id": payloadID, "error": err.Error()})
			}
		}
	}

	disp, err := dispatch.New(dispatch.Config{
		MaxAttempts: cfg.DispatchMaxAttempts,
		BaseBackoff: cfg.DispatchBaseBackoff,
		MaxBackoff:  cfg.DispatchMaxBackoff,
	}, log.WithFields(structlog.Fields{"component": "dispatch"}), recorder)
	if err != nil {
		log.Fatal("dispatch init failed", structlog.Fields{"error": err.Error()})
	}
	disp.AddFirewall(dispatch.NewLogSink(log))
	disp.AddAlerter(dispatch.NewLogSink(log))
	if cfg.FirewallWebhookURL != "" {
		disp.AddFirewall(dispatch.NewWebhookFirewall("edge", cfg.FirewallWebhookURL, 5*time.Second))
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Fatal("nats connect failed", structlog.Fields{"url": cfg.NATSURL, "error": err.Error()})
		}
		defer nc.Close()
		disp.AddAlerter(dispatch.NewNATSAlerter(nc, cfg.AlertSubject))
	}

	var hist history.History
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		hist = history.NewRedisHistory(rdb, "ddos:verdicts", cfg.HistoryPerKey, cfg.HistoryTTL)
	} else {
		hist = history.NewMemoryHistory(cfg.HistoryPerKey, cfg.MaxIdentities)
	}

	deps := pipeline.Deps{
		Log:       log,
		Agg:       agg,
		Ensemble:  ensemble,
		Anomaly:   anomaly,
		Explainer: explainer,
		Engine:    engine,
		Store:     states,
		Disp:      disp,
		Hist:      hist,
	}
	if audit != nil {
		deps.Audit = audit
	}
	pipe, err := pipeline.New(cfg, deps)
	if err != nil {
		log.Fatal("pipeline init failed", structlog.Fields{"error": err.Error()})
	}
	pipe.Start()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(pipe, states, hist, ensemble, audit),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("listening", structlog.Fields{"addr": cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", structlog.Fields{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", structlog.Fields{"error": err.Error()})
	}
	if err := pipe.Stop(shutdownCtx); err != nil {
		log.Warn("pipeline drain incomplete", structlog.Fields{"error": err.Error()})
	}
	log.Info("stopped", nil)
}

// buildEnsemble assembles the scoring models. Two supervised classifiers at
// weight 0.4 each (the sharper one reacts faster, the softer one resists
// single-feature spikes) plus the streaming anomaly detector at 0.2.
func buildEnsemble(cfg *config.Config) (*ml.Ensemble, *ml.AnomalyDetector, ml.ClassifierArtifact, error) {
	art := ml.DefaultClassifierArtifact()
	if cfg.ClassifierPath != "" {
		loaded, err := ml.LoadArtifact(cfg.ClassifierPath)
		if err != nil {
			return nil, nil, art, err
		}
		art = loaded
	}

	forest, err := ml.NewForestClassifier(art)
	if err != nil {
		return nil, nil, art, err
	}

	sharp := art
	sharp.ModelID = "gradient-classifier"
	sharp.Temperature = art.Temperature / 2
	gradient, err := ml.NewForestClassifier(sharp)
	if err != nil {
		return nil, nil, art, err
	}

	anomaly := ml.NewAnomalyDetector(art)

	ensemble, err := ml.NewEnsemble(
		[]ml.Model{forest, gradient, anomaly},
		map[string]ml.ModelConfig{
			forest.ID():   {Weight: 0.4, Timeout: cfg.ModelTimeout},
			gradient.ID(): {Weight: 0.4, Timeout: cfg.ModelTimeout},
			anomaly.ID():  {Weight: 0.2, Timeout: cfg.ModelTimeout},
		},
		cfg.OutageDecay,
	)
	if err != nil {
		return nil, nil, art, err
	}
	return ensemble, anomaly, art, nil
}

func newRouter(pipe *pipeline.Pipeline, states *statestore.Store, hist history.History, ensemble *ml.Ensemble, audit *store.AuditStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest", func(w http.ResponseWriter, r *http.Request) {
		var ev flow.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		switch err := pipe.Submit(ev); {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, pipeline.ErrBusy):
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "busy"})
		case errors.Is(err, flow.ErrMalformedEvent):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	})

	mux.HandleFunc("GET /state/{identity}", func(w http.ResponseWriter, r *http.Request) {
		identity := r.PathValue("identity")
		st, ok := states.Get(identity)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown identity"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("GET /verdicts/{identity}", func(w http.ResponseWriter, r *http.Request) {
		identity := r.PathValue("identity")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		verdicts, err := hist.Recent(r.Context(), identity, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "verdicts": verdicts})
	})

	mux.HandleFunc("GET /actions/{identity}", func(w http.ResponseWriter, r *http.Request) {
		if audit == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "audit store not configured"})
			return
		}
		identity := r.PathValue("identity")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		actions, err := audit.RecentActions(r.Context(), identity, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "actions": actions})
	})

	mux.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": ensemble.Stats()})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
