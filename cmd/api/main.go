package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"duka-service/internal/app"

	"github.com/joho/godotenv"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[MAIN] no .env file, using process environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := app.NewServer()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[MAIN] server failed: %v", err)
		}
		return
	case <-ctx.Done():
	}

	log.Println("[MAIN] shutting down, draining in-flight webhooks")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] shutdown error: %v", err)
	}
	log.Println("[MAIN] stopped")
}
