package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/bridge"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/config"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/db"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/events"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/lifecycle"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/runtime"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/store"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/tasks"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/workspace"
)

func main() {
	cfg := config.LoadConfig()

	gormDB, err := db.Init(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	log.Println("Running migrations...")
	if err := gormDB.AutoMigrate(&models.Session{}); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Migrations completed.")

	sessionStore := store.NewGormStore(gormDB)

	dockerRuntime, err := runtime.NewDockerRuntime(cfg.PullImage)
	if err != nil {
		log.Fatalf("Failed to create Docker runtime: %v", err)
	}

	workspaceRoot, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		log.Fatalf("Invalid workspace root %s: %v", cfg.WorkspaceRoot, err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		log.Fatalf("Failed to create workspace root %s: %v", workspaceRoot, err)
	}
	workspaces := workspace.NewManager(workspaceRoot, cfg.CloneTimeout)

	publisher := events.NewKafkaPublisher(cfg.KafkaBrokerURL, cfg.KafkaTopicStatus)
	defer publisher.Close()

	producer, err := tasks.NewProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to create task producer: %v", err)
	}
	defer producer.Close()

	controller := lifecycle.NewController(sessionStore, dockerRuntime, workspaces, publisher, producer, lifecycle.Options{
		Image:             cfg.SandboxImage,
		MemoryBytes:       cfg.MemoryBytes,
		NanoCPUs:          cfg.NanoCPUs,
		StopGrace:         cfg.StopGrace,
		MaxActivePerOwner: cfg.MaxActivePerOwner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper := lifecycle.NewReaper(sessionStore, controller, cfg.ReaperInterval)
	go reaper.Start(ctx)

	consumer, err := tasks.NewConsumer(cfg.RabbitMQURL, controller)
	if err != nil {
		log.Fatalf("Failed to create task consumer: %v", err)
	}
	defer consumer.Close()

	go func() {
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("Task consumer error: %v", err)
		}
	}()

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}
	terminalBridge := bridge.New(sessionStore, dockerRuntime, bridge.NewJWTAuthenticator(cfg.JWTSecret))

	mux := http.NewServeMux()
	mux.HandleFunc("/terminal", terminalBridge.HandleTerminal)

	server := &http.Server{
		Addr:    cfg.BridgeAddr,
		Handler: mux,
	}
	go func() {
		log.Printf("Terminal bridge listening on %s", cfg.BridgeAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Bridge server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down orchestrator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Bridge server shutdown error: %v", err)
	}
}
