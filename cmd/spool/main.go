package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"raven/internal/db"
	"raven/internal/delivery"
	"raven/internal/delivery/config"
)

func main() {
	configPath := flag.String("config", "/etc/raven/delivery.yaml", "Path to configuration file")
	dbPath := flag.String("db", "data/mails.db", "Path to SQLite database")
	smtpAddr := flag.String("smtp", "", "SMTP relay address (e.g., 127.0.0.1:25)")
	flag.Parse()

	log.Println("Starting Raven Outbound Spool...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Warning: Failed to load config from %s: %v", *configPath, err)
		log.Println("Using default configuration")
		cfg = config.DefaultConfig()
	}

	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *smtpAddr != "" {
		cfg.Outbound.SmtpAddr = *smtpAddr
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	log.Printf("Database initialized: %s", cfg.Database.Path)

	client := delivery.NewNetSMTPClient(cfg.Outbound.SmtpAddr, cfg.LMTP.Hostname)
	agent := delivery.NewAgent(database, client, cfg.LMTP.Hostname)
	mgr := delivery.NewSpoolManager(database, agent, cfg.Outbound.MaxInFlight, time.Duration(cfg.Outbound.PollInterval)*time.Second)
	mgr.BatchSize = cfg.Outbound.BatchSize

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- mgr.Run(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Spool error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
		<-errChan
	}

	log.Println("Raven Outbound Spool stopped")
}
