package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shellbox-dev/shellbox/internal/auth"
	"github.com/shellbox-dev/shellbox/internal/config"
	"github.com/shellbox-dev/shellbox/internal/crypto"
	"github.com/shellbox-dev/shellbox/internal/database"
	"github.com/shellbox-dev/shellbox/internal/handlers"
	"github.com/shellbox-dev/shellbox/internal/logging"
	"github.com/shellbox-dev/shellbox/internal/middleware"
	"github.com/shellbox-dev/shellbox/internal/sandbox"
	"github.com/shellbox-dev/shellbox/internal/session"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: ListenAddr=%s, AuthDisabled=%v, ProviderBackend=%s, StorageEnabled=%v",
		config.Cfg.ListenAddr, config.Cfg.AuthDisabled, config.Cfg.ProviderBackend, config.Cfg.StorageEnabled)

	// Records left active by an unclean shutdown describe sessions that no
	// longer exist.
	if n, err := database.CloseStaleSessionRecords(); err != nil {
		log.Printf("WARNING: closing stale session records: %v", err)
	} else if n > 0 {
		log.Printf("Closed %d stale session record(s) from a previous run", n)
	}

	// Init session store
	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	// Session cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessionStore.Cleanup()
		}
	}()

	ctx := context.Background()
	if err := sandbox.InitProvider(ctx); err != nil {
		log.Printf("WARNING: %v", err)
	}

	registry := session.NewRegistry()

	reaper, err := startReaper(ctx, registry)
	if err != nil {
		log.Printf("WARNING: reaper disabled: %v", err)
	}

	terminal := handlers.NewTerminal(registry)
	sessions := handlers.NewSessions(registry)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Get("/auth/setup-required", handlers.SetupRequired)
		r.Post("/auth/setup", handlers.SetupCreateAdmin)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			// Terminal WebSocket and session management
			r.Get("/terminal", terminal.ServeWS)
			r.Get("/sessions", sessions.List)
			r.Delete("/sessions/{sessionId}", sessions.Terminate)
			r.Get("/sessions/history", handlers.SessionHistory)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				// Settings
				r.Get("/settings", handlers.GetSettings)
				r.Put("/settings", handlers.UpdateSettings)

				// User management
				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{userId}", handlers.DeleteUser)
				r.Post("/users/{userId}/reset-password", handlers.ResetUserPassword)

				// Server logs
				r.Get("/logs", handlers.GetServerLogs)
				r.Delete("/logs", handlers.ClearServerLogs)
			})
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		var srvErr error
		if config.Cfg.TLSMode == "self-signed" {
			cert, _, certErr := crypto.GetServerCert()
			if certErr != nil {
				log.Fatalf("TLS init: %v", certErr)
			}
			srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}}
			log.Printf("Server starting on %s (TLS, self-signed)", config.Cfg.ListenAddr)
			srvErr = srv.ListenAndServeTLS("", "")
		} else {
			log.Printf("Server starting on %s", config.Cfg.ListenAddr)
			srvErr = srv.ListenAndServe()
		}
		if srvErr != nil && srvErr != http.ErrServerClosed {
			log.Fatalf("Server error: %v", srvErr)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	if reaper != nil {
		reaper.Stop()
	}

	grace, err := time.ParseDuration(config.Cfg.ShutdownGrace)
	if err != nil {
		grace = 30 * time.Second
	}
	registry.KillAll(grace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: shellbox --%s -username <user> -password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			IsAdmin:      true,
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Existing browser sessions stay valid until they expire.\n", *username)
	}
}
