package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalforge/signalforge/internal/architect"
	"github.com/signalforge/signalforge/internal/bus"
	"github.com/signalforge/signalforge/internal/config"
	"github.com/signalforge/signalforge/internal/healing"
	"github.com/signalforge/signalforge/internal/hitl"
	"github.com/signalforge/signalforge/internal/patterns"
	"github.com/signalforge/signalforge/internal/router"
	"github.com/signalforge/signalforge/internal/store"
	"github.com/signalforge/signalforge/internal/transport"
	"github.com/signalforge/signalforge/internal/witness"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full signalforge pipeline daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(loadConfig())
	},
}

func runServe(cfg *config.Config) error {
	log.Println("===============================================")
	log.Println("  signalforged - perception/cognition pipeline")
	log.Println("===============================================")
	log.Printf("[MAIN] Server port: %d", cfg.Server.Port)
	log.Printf("[MAIN] NATS port: %d", cfg.Server.NATSPort)

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	natsServer, err := transport.StartEmbeddedServer(cfg.Server.NATSPort)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	defer natsServer.Shutdown()
	log.Printf("[MAIN] Embedded NATS server started on port %d", cfg.Server.NATSPort)

	natsClient, err := transport.NewClient(natsServer.URL(), "signalforged")
	if err != nil {
		return fmt.Errorf("connect NATS client: %w", err)
	}
	defer natsClient.Close()

	kv, err := store.Open(filepath.Join(cfg.Store.DataDir, "store.db"), cfg.Store.StoreTable)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()
	patternStore := patterns.New(kv)

	messageBus, err := bus.Open(cfg.Bus.DBFile, bus.Options{
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		NATSClient:       natsClient,
	})
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer messageBus.Close()

	hitlProtocol, err := hitl.Open(cfg.HITL.DBFile, messageBus, hitl.Config{
		QueueName:             cfg.HITL.QueueName,
		DefaultTimeoutSeconds: cfg.HITL.DefaultTimeoutSecs,
		MaxQuestionsPerHour:   cfg.HITL.MaxQuestionsPerHour,
	})
	if err != nil {
		return fmt.Errorf("open hitl: %w", err)
	}
	defer hitlProtocol.Close()
	log.Println("[MAIN] Storage initialized (store + messages + hitl databases)")

	witnessAgent := witness.New(messageBus, patternStore, witness.Config{
		MinConfidence:  cfg.Detector.MinConfidence,
		TelemetryQueue: cfg.Witness.TelemetryQueue,
		ContextQueue:   cfg.Witness.ContextQueue,
		OutputQueue:    cfg.Witness.OutputQueue,
	})
	architectAgent, err := architect.New(messageBus, patternStore, architect.Config{
		InputQueue:    cfg.Architect.InputQueue,
		OutputQueue:   cfg.Architect.OutputQueue,
		WorkspaceDir:  cfg.Architect.WorkspaceDir,
		MinComplexity: cfg.Architect.MinComplexity,
	})
	if err != nil {
		return fmt.Errorf("create architect: %w", err)
	}

	var executor healing.Executor
	if cfg.Router.HealingExecutorCmd != "" {
		executor = healing.NewSubprocessExecutor(cfg.Router.HealingExecutorCmd)
		log.Printf("[MAIN] Healing executor: %s", cfg.Router.HealingExecutorCmd)
	} else {
		executor = healing.NewNullOnlyExecutor(".")
		log.Println("[MAIN] Healing executor: built-in nil-guard fixer")
	}
	eventRouter := router.New(patternStore, executor, router.Config{
		CooldownWindow: time.Duration(cfg.Router.CooldownSeconds) * time.Second,
		MinMatchScore:  cfg.Router.MinPatternScore,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentErrs := make(chan error, 2)
	go func() {
		log.Println("[WITNESS] agent started")
		agentErrs <- witnessAgent.Run(ctx)
	}()
	go func() {
		log.Println("[ARCHITECT] agent started")
		agentErrs <- architectAgent.Run(ctx)
	}()

	// Expiry sweep keeps stale HITL questions from lingering as pending.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := hitlProtocol.ExpireOldQuestions(ctx); err != nil {
					log.Printf("[HITL] expiry sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("[HITL] expired %d overdue questions", n)
				}
			}
		}
	}()

	httpServer := newDashboard(cfg, messageBus, kv, hitlProtocol, witnessAgent, architectAgent, eventRouter)
	go func() {
		log.Printf("[MAIN] HTTP server starting on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[MAIN] HTTP server error: %v", err)
		}
	}()

	log.Println("===============================================")
	log.Printf("  signalforged ready!")
	log.Printf("  Dashboard: http://localhost:%d", cfg.Server.Port)
	log.Printf("  Health:    http://localhost:%d/health", cfg.Server.Port)
	log.Printf("  Stats:     http://localhost:%d/api/stats", cfg.Server.Port)
	log.Println("===============================================")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Println("[MAIN] Shutdown signal received")
	case err := <-agentErrs:
		if err != nil {
			log.Printf("[MAIN] agent exited with error: %v", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] HTTP server shutdown error: %v", err)
	}

	log.Println("[MAIN] signalforged shutdown complete")
	return nil
}

func newDashboard(cfg *config.Config, messageBus *bus.Bus, kv *store.Store, hitlProtocol *hitl.Protocol, witnessAgent *witness.Agent, architectAgent *architect.Agent, eventRouter *router.Router) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		pending, err := messageBus.GetPendingCount(r.Context(), cfg.Witness.OutputQueue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"status":"ok","pending_signals":%d}`, pending)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		busStats, err := messageBus.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		storeStats, err := kv.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hitlStats, err := hitlProtocol.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"bus":       busStats,
			"store":     storeStats,
			"hitl":      hitlStats,
			"witness":   witnessAgent.GetStats(),
			"architect": architectAgent.GetStats(),
		})
	})

	mux.HandleFunc("/api/hitl", func(w http.ResponseWriter, r *http.Request) {
		questions, err := hitlProtocol.GetPending(r.Context(), 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, questions)
	})

	// Fast-path healing entry: POST an error-like event and route it
	// through the pattern matcher and healing trigger.
	mux.HandleFunc("/api/route", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var event router.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, eventRouter.Route(r.Context(), event))
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MAIN] encode response: %v", err)
	}
}
