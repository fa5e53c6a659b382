package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/surgicase/platform/internal/adapters/his"
	"github.com/surgicase/platform/internal/audit"
	casebookapi "github.com/surgicase/platform/internal/casebook/api"
	"github.com/surgicase/platform/internal/casebook/domain"
	casebookinfra "github.com/surgicase/platform/internal/casebook/infrastructure"
	"github.com/surgicase/platform/internal/casebook/service"
	"github.com/surgicase/platform/internal/permission"
	"github.com/surgicase/platform/internal/shared/auth"
	"github.com/surgicase/platform/internal/shared/config"
	"github.com/surgicase/platform/internal/shared/database"
	"github.com/surgicase/platform/internal/shared/events"
	"github.com/surgicase/platform/internal/shared/metrics"
	secmiddleware "github.com/surgicase/platform/internal/shared/middleware"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    events.EventBus
	Engine *permission.Engine
	HIS    *his.Adapter
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := &App{Config: cfg}

	// Initialize database (optional - skip if not available)
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		fmt.Printf("Warning: Database not available: %v\n", err)
		fmt.Println("Running in limited mode without database...")
	} else {
		app.DB = db
		defer db.Close()

		if err := database.Migrate(ctx, db.Pool); err != nil {
			fmt.Printf("Warning: Migration failed: %v\n", err)
		}
	}

	// Initialize event bus with EventStoreDB (optional - skip if not available)
	bus, transport, err := events.NewEventBus(ctx, cfg.EventStore)
	if err != nil {
		fmt.Printf("Warning: EventStoreDB not available: %v\n", err)
		fmt.Println("Running without event streaming...")
	} else {
		app.Bus = bus
		defer bus.Close()
		fmt.Printf("EventStoreDB event bus initialized (%s)\n", transport)
	}

	// Permission engine. Serves resolved defaults when the store is
	// unreachable so booking never hard-fails on startup ordering.
	if app.DB != nil {
		store := permission.NewPostgresStore(app.DB)
		app.Engine = permission.NewEngine(store, app.Bus, cfg.Permission.RefreshInterval)
		if err := app.Engine.Initialize(ctx); err != nil {
			fmt.Printf("Warning: Permission engine started degraded: %v\n", err)
		}
		if err := app.Engine.Start(ctx); err != nil {
			fmt.Printf("Warning: Permission engine refresh loop failed to start: %v\n", err)
		}
		defer app.Engine.Close()
	}

	// HIS reference adapter (optional)
	if cfg.HIS.Enabled {
		adapter := his.New(cfg.HIS)
		if err := adapter.Start(ctx); err != nil {
			fmt.Printf("Warning: HIS adapter not available: %v\n", err)
		} else {
			app.HIS = adapter
			defer adapter.Stop(context.Background())
			fmt.Printf("HIS reference adapter started (%s:%d)\n", cfg.HIS.Host, cfg.HIS.Port)
		}
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler(app))
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	// API info
	r.Get("/", infoHandler)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))
		r.Use(secmiddleware.RateLimiter(20, 40))

		if app.DB != nil && app.Engine != nil {
			// Case booking module
			machine := domain.NewMachine(app.Engine, domain.DefaultTransitionPolicy())
			caseRepo := casebookinfra.NewPostgresRepository(app.DB.Pool)
			caseService := service.New(caseRepo, machine, app.Engine, app.Bus)
			caseHandler := casebookapi.NewHandler(caseService)
			r.Mount("/cases", caseHandler.Routes())

			// Permission matrix administration
			permHandler := permission.NewHandler(app.Engine)
			r.Mount("/", permHandler.Routes())

			// Audit module - prefers the append-only event store, falls
			// back to Postgres when only the database is reachable
			auditRepo := pickAuditRepository(app)
			if auditRepo != nil {
				if err := auditRepo.Initialize(ctx); err != nil {
					fmt.Printf("Warning: Audit initialization failed: %v\n", err)
				}
				auditHandler := audit.NewHandler(auditRepo, app.Engine)
				r.Mount("/audit", auditHandler.Routes())

				if app.Bus != nil {
					auditSubscriber := audit.NewSubscriber(auditRepo, app.Bus)
					if err := auditSubscriber.Start(ctx); err != nil {
						fmt.Printf("Warning: Audit subscriber failed to start: %v\n", err)
					} else {
						fmt.Println("Audit subscriber started")
					}
				}
			}
		}

		// Reference data (read-only HIS snapshot)
		if app.HIS != nil {
			hisHandler := his.NewHandler(app.HIS)
			r.Mount("/reference", hisHandler.Routes())
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("CaseTrack Surgical Case Booking Platform")
	fmt.Println("============================================")
	fmt.Printf("Environment:    %s\n", cfg.Server.Env)
	fmt.Printf("Server:         http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:            http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Health:         http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("EventStoreDB:   %s:%d\n", cfg.EventStore.Host, cfg.EventStore.Port)
	if app.Engine != nil && app.Engine.Degraded() {
		fmt.Println("Permissions:    DEGRADED (serving role defaults)")
	}
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-done
	fmt.Println("Server stopped")
}

// pickAuditRepository selects the audit backend. The gRPC bus exposes
// the raw EventStoreDB client, which gives us the append-only stream;
// otherwise Postgres carries the chain.
func pickAuditRepository(app *App) audit.AuditRepository {
	if grpcBus, ok := app.Bus.(*events.Bus); ok && grpcBus != nil {
		fmt.Println("Audit log backend: EventStoreDB")
		return audit.NewEventStoreRepository(grpcBus.Client())
	}
	if app.DB != nil {
		fmt.Println("Audit log backend: PostgreSQL")
		return audit.NewRepository(app.DB.Pool)
	}
	return nil
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "CaseTrack Surgical Case Booking Platform",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
		})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["eventstore"] = "not ready: " + err.Error()
			} else {
				checks["eventstore"] = "ready"
			}
		} else {
			checks["eventstore"] = "not configured"
		}

		if app.HIS != nil {
			if err := app.HIS.Health(r.Context()); err != nil {
				checks["his"] = "not ready: " + err.Error()
			} else {
				checks["his"] = "ready"
			}
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
