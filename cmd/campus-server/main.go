// Command campus-server runs the campus protocol server over TCP and,
// optionally, WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aeolun/campusnet/pkg/campus"
	"github.com/aeolun/campusnet/pkg/database"
	"github.com/aeolun/campusnet/pkg/presence"
	"github.com/aeolun/campusnet/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.config/campusnet/server.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port (overrides config)")
	debug := flag.Bool("debug", false, "Write debug.log in the data directory")
	seed := flag.Bool("seed", true, "Seed demo accounts and data into an empty database")
	flag.Parse()

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	if err := server.InitLoggers(); err != nil {
		log.Fatalf("Failed to initialize loggers: %v", err)
	}
	if *debug {
		server.EnableDebugLogging()
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToServerConfig()
	if *port > 0 {
		config.TCPPort = *port
	}

	dbPath, err := tomlConfig.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if *seed {
		if err := db.SeedDemoData(ctx); err != nil {
			log.Fatalf("Failed to seed database: %v", err)
		}
	}

	router := server.NewRouter()
	if err := campus.NewServices(db).Register(router); err != nil {
		log.Fatalf("Failed to register services: %v", err)
	}

	srv := server.NewServer(config, router, campus.NewAuthenticator(db))
	if config.MetricsPort > 0 {
		srv.SetMetrics(server.NewMetrics(nil))
	}

	var store *presence.Redis
	if tomlConfig.Presence.RedisAddr != "" {
		store, err = presence.NewRedis(ctx, presence.Config{
			Addr:     tomlConfig.Presence.RedisAddr,
			Password: tomlConfig.Presence.RedisPassword,
			DB:       tomlConfig.Presence.RedisDB,
			Prefix:   tomlConfig.Presence.KeyPrefix,
		})
		if err != nil {
			log.Fatalf("Failed to initialize presence: %v", err)
		}
		srv.SetPresence(store)
		log.Printf("Presence mirrored to Redis at %s (instance %s)", tomlConfig.Presence.RedisAddr, store.InstanceID())
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if store != nil {
		go watchRemotePresence(watchCtx, store)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	fmt.Printf("Campus server listening on %s\n", srv.Addr())
	if config.HTTPPort > 0 {
		fmt.Printf("WebSocket transport on :%d/ws\n", config.HTTPPort)
	}
	if config.MetricsPort > 0 {
		fmt.Printf("Metrics on :%d/metrics\n", config.MetricsPort)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down", sig)

	srv.Stop()
	stopWatch()

	if store != nil {
		purgeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := store.Purge(purgeCtx); err != nil {
			log.Printf("Failed to purge presence: %v", err)
		}
		cancel()
		store.Close()
	}
}

// watchRemotePresence logs presence changes made by other server instances
func watchRemotePresence(ctx context.Context, store *presence.Redis) {
	events, err := store.Subscribe(ctx)
	if err != nil {
		log.Printf("Failed to subscribe to presence events: %v", err)
		return
	}
	for ev := range events {
		if ev.InstanceID == store.InstanceID() {
			continue
		}
		log.Printf("Presence: user %d %s on instance %s", ev.UserID, ev.Kind, ev.InstanceID)
	}
}
