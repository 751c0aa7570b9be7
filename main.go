package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/MJE43/ugc-runtime-go/internal/api"
	"github.com/MJE43/ugc-runtime-go/internal/config"
	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/match"
	"github.com/MJE43/ugc-runtime-go/internal/pkgstore"
	"github.com/MJE43/ugc-runtime-go/internal/secrets"
)

const (
	appConfigDirName = "ugc-runtime"
	secretsFileName  = "secrets.json"
	shutdownTimeout  = 10 * time.Second
)

func main() {
	log.Printf("Starting UGC match host %s (Go %s)...", api.Version, runtime.Version())

	cfg, err := config.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	dataDir := appDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("create data dir %s: %v", dataDir, err)
	}

	vault := secrets.NewStore(cfg.KeyringService, filepath.Join(dataDir, secretsFileName))
	token, created, err := vault.EnsureHostToken(cfg.Token)
	if err != nil {
		log.Fatalf("host token: %v", err)
	}
	if created {
		log.Printf("Generated a new host token; send it as %s on mutating requests: %s", api.TokenHeader, token)
	}

	dbPath := resolveDBPath(cfg.DBPath, dataDir)
	store, err := pkgstore.New(dbPath)
	if err != nil {
		log.Fatalf("open package store %s: %v", dbPath, err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		log.Fatalf("migrate package store: %v", err)
	}

	registry := match.NewRegistry(log.New(os.Stdout, "[MATCH] ", log.LstdFlags))
	defer registry.Close()

	srv := api.NewServer(store, registry, api.Options{
		Token: token,
		Executor: executor.Config{
			CallTimeout:  cfg.CallTimeout,
			AllowConsole: cfg.AllowConsole,
			Logger:       log.New(os.Stdout, "[EXEC] ", log.LstdFlags),
		},
		HookTimeout: cfg.HookTimeout,
	})
	addr, err := srv.Start(cfg.Addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.Addr, err)
	}
	log.Printf("Match host ready at http://%s (db %s)", addr, dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// resolveDBPath places a bare file name in the app data directory.
func resolveDBPath(path, dataDir string) string {
	if filepath.IsAbs(path) || filepath.Dir(path) != "." {
		return path
	}
	return filepath.Join(dataDir, path)
}

// appDataDir returns an OS-appropriate writable directory.
func appDataDir() string {
	if d, err := os.UserConfigDir(); err == nil && d != "" {
		return filepath.Join(d, appConfigDirName)
	}
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, "."+appConfigDirName)
	}
	return "."
}
