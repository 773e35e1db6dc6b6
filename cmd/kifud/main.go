// Package main implements the kifud server: a local-first shogi kifu
// analysis service exposing a REST surface for game CRUD/import/export and a
// single WebSocket endpoint for live tree editing and engine analysis.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"shogikifu/cmd/kifud/cli"
	"shogikifu/internal/analysis"
	"shogikifu/internal/codec"
	"shogikifu/internal/engine"
	"shogikifu/internal/httpapi"
	"shogikifu/internal/router"
	"shogikifu/internal/session"
	"shogikifu/internal/storage"
	"shogikifu/internal/synchronizer"
)

const gracefulShutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "db" {
		if err := cli.Run(os.Args[2:]); err != nil {
			log.Fatalf("CLI error: %v", err)
		}
		os.Exit(0)
	}

	var (
		addr       = flag.String("addr", "localhost:8090", "HTTP/WS listen address")
		dbPath     = flag.String("db", "kifu.db", "Path to SQLite database file")
		dev        = flag.Bool("dev", false, "Development mode (WAL mode, relaxed rate limits)")
		engineCmd  = flag.String("engine-cmd", "", "Full USI engine command line (overrides -engine-path)")
		enginePath = flag.String("engine-path", "", "Path to USI engine binary")
		threads    = flag.Int("threads", runtime.NumCPU(), "Engine Threads option")
		hashMB     = flag.Int("hash-mb", 512, "Engine Hash/USI_Hash option, in MB")
		pidPath    = flag.String("pid", "", "Optional path to write a PID file")
		pidLock    = flag.Bool("pid-lock", false, "Lock the PID file to allow only one instance (requires -pid)")
	)
	flag.Parse()

	if *pidLock && *pidPath == "" {
		log.Fatal("Error: -pid-lock flag requires the -pid flag to be set")
	}
	if *pidPath != "" {
		cleanup, err := managePIDFile(*pidPath, *pidLock)
		if err != nil {
			log.Fatalf("Failed to manage PID file: %v", err)
		}
		defer cleanup()
		log.Printf("PID file created at: %s (lock: %v)", *pidPath, *pidLock)
	}

	// 1. Persistence Store
	log.Printf("Initializing storage at: %s", *dbPath)
	store, err := storage.NewStore(*dbPath, *dev)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	if err := store.InitDB(); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Warning: failed to close storage cleanly: %v", err)
		}
	}()

	initial, err := store.EnsureLastOrCreate()
	if err != nil {
		log.Fatalf("Failed to load or create initial game: %v", err)
	}

	// 2. Engine configuration resolved from flags, falling back to env vars
	// the way analysis_service.py's _engine_cmd_from_env does.
	engCfg := resolveEngineConfig(*engineCmd, *enginePath, *threads, *hashMB)
	if len(engCfg.Command) == 0 {
		log.Printf("No USI engine configured (-engine-cmd/-engine-path or SHOGI_ANALYZER_ENGINE_CMD/SHOGI_ANALYZER_ENGINE_PATH); analysis will report unavailable")
	} else {
		log.Printf("Engine command: %s", strings.Join(engCfg.Command, " "))
	}

	sup := engine.New()
	registry := codec.NewRegistry()
	hub := session.NewHub()

	// 3. Analysis Coordinator and State Synchronizer, wired in the two-phase
	// order synchronizer.SetBus documents: Synchronizer needs a Bus before it
	// can run, and the Router (the concrete Bus) needs the Synchronizer to
	// forward intents to.
	sync := synchronizer.New(initial, store, hub, nil, nil, registry, engCfg)
	coord := analysis.New(sup, sync, engCfg)
	sync.SetCoordinator(coord)
	rtr := router.New(sync)
	sync.SetBus(rtr)

	go sync.Run()
	defer sync.Shutdown()

	// 4. HTTP/WS surface
	h := httpapi.New(store, rtr, coord, registry, sync.CurrentGameID)
	app := httpapi.NewFiberApp(h, *dev)

	go func() {
		log.Printf("kifud starting...")
		log.Printf("Listening on: http://%s", *addr)
		log.Printf("WebSocket endpoint: ws://%s/ws", *addr)
		log.Printf("Health: http://%s/healthz", *addr)
		if *dev {
			log.Printf("Rate limit: relaxed (dev mode)")
		} else {
			log.Printf("Rate limit: 20 requests/second per IP")
		}
		if err := app.Listen(*addr); err != nil {
			log.Printf("listen error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}
	sup.Shutdown()
	log.Println("kifud exited")
}

// resolveEngineConfig builds an engine.Config from flags, falling back to
// SHOGI_ANALYZER_ENGINE_CMD (full command line) then
// SHOGI_ANALYZER_ENGINE_PATH (bare binary path) per SPEC_FULL.md §4.3.
func resolveEngineConfig(engineCmd, enginePath string, threads, hashMB int) engine.Config {
	cmd := engineCmd
	if cmd == "" {
		cmd = os.Getenv("SHOGI_ANALYZER_ENGINE_CMD")
	}
	path := enginePath
	if path == "" {
		path = os.Getenv("SHOGI_ANALYZER_ENGINE_PATH")
	}

	var argv []string
	switch {
	case cmd != "":
		argv = strings.Fields(cmd)
	case path != "":
		argv = []string{path}
	}

	if threads < 1 {
		threads = runtime.NumCPU()
	}
	if hashMB < 1 {
		hashMB = 512
	}

	return engine.Config{Command: argv, Threads: threads, HashMB: hashMB, MultiPV: 1}
}
