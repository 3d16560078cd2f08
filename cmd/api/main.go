package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atelier/api/internal/app"
	"atelier/api/internal/comments"
	"atelier/api/internal/config"
	"atelier/api/internal/directory"
	"atelier/api/internal/notify"
	"atelier/api/internal/realtime"
	"atelier/api/internal/scope"
	"atelier/api/internal/store"
	"atelier/api/internal/unread"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	broker, err := realtime.NewBroker(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer broker.Close()

	dir := directory.New(dataStore, cfg.DirectoryTTL)
	notifier := notify.New(dataStore, scope.NewLinkBuilder(cfg.BaseURL))
	commentSvc := comments.NewService(dataStore, app.NewBrokerTransport(broker), dir, notifier)
	tracker := unread.NewTracker(dataStore)

	service := app.NewService(dataStore, commentSvc, tracker, broker, []byte(cfg.TokenSecret))
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Atelier API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	service.Shutdown()
}
