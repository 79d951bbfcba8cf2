// Command switchforge runs a demo fleet: the classic ring/answer/hangup call
// template on top of the registry, with an optional live debug channel and a
// configurable persistence backend.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/SwitchForge/debug"
	"github.com/itskum47/SwitchForge/fsm"
	"github.com/itskum47/SwitchForge/registry"
	"github.com/itskum47/SwitchForge/store"
	"github.com/itskum47/SwitchForge/timeout"
)

// CallContext is the persisted state of one call.
type CallContext struct {
	fsm.BaseContext
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// CallStats is per-call volatile bookkeeping, rebuilt empty on rehydration.
type CallStats struct {
	RingUpdates int
}

func buildCallTemplate(ringTimeout time.Duration) (*fsm.Definition, error) {
	b := fsm.NewBuilder("call", "IDLE")
	b.State("IDLE").
		On("INCOMING_CALL", "RINGING")
	b.State("RINGING").
		Timeout(ringTimeout, "MISSED").
		On("ANSWER", "CONNECTED").
		On("REJECT", "ENDED").
		Stay("SESSION_PROGRESS", func(m *fsm.Machine, e fsm.Event) error {
			m.VolatileContext().(*CallStats).RingUpdates++
			return nil
		})
	b.State("CONNECTED").
		On("HANGUP", "ENDED").
		On("HOLD", "PARKED")
	b.State("PARKED").
		Offline().
		On("RESUME", "CONNECTED")
	b.State("MISSED").Final()
	b.State("ENDED").Final()
	return b.Build()
}

func openStore(ctx context.Context) store.Port {
	switch backend := os.Getenv("STORE_BACKEND"); backend {
	case "postgres":
		connString := os.Getenv("DATABASE_URL")
		if connString == "" {
			log.Fatal("STORE_BACKEND=postgres requires DATABASE_URL")
		}
		s, err := store.NewPostgresStore(ctx, connString)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		log.Printf("Using Postgres store")
		return s
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		s, err := store.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", addr, err)
		}
		log.Printf("Using Redis store at %s", addr)
		return s
	default:
		log.Printf("Using in-memory store (ephemeral)")
		return store.NewMemoryStore()
	}
}

func configFromEnv() registry.Config {
	cfg := registry.DefaultConfig()

	if v := os.Getenv("TARGET_TPS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.TargetTPS = n
		}
	}
	if v := os.Getenv("MAX_MACHINES"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.MaxConcurrentMachines = n
			cfg.MachineEvictionThreshold = n * 9 / 10
		}
	}
	if v := os.Getenv("SAMPLE_EVERY"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.SampleEvery = n
		}
	}
	if v := os.Getenv("DEBUG_PORT"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.DebugPort = n
		}
	}
	cfg.SnapshotDebug = os.Getenv("SNAPSHOT_DEBUG") == "true"
	cfg.LiveDebug = os.Getenv("LIVE_DEBUG") == "true"
	if cfg.LiveDebug && cfg.DebugPort == 0 {
		cfg.DebugPort = 8080
	}
	return cfg
}

func main() {
	ctx := context.Background()

	port := openStore(ctx)
	if err := port.Initialize(ctx); err != nil {
		log.Fatalf("Store initialization failed: %v", err)
	}
	defer port.Close()

	cfg := configFromEnv()

	catalog := fsm.NewCatalog()
	for _, tag := range []string{"INCOMING_CALL", "ANSWER", "REJECT", "HANGUP", "HOLD", "RESUME", "SESSION_PROGRESS"} {
		if err := catalog.RegisterTag(tag); err != nil {
			log.Fatalf("Catalog registration failed: %v", err)
		}
	}

	sched := timeout.NewScheduler()
	reg, err := registry.New(cfg, port, sched, catalog)
	if err != nil {
		log.Fatalf("Registry startup failed: %v", err)
	}

	ringTimeout := 30 * time.Second
	if v := os.Getenv("RING_TIMEOUT_MS"); v != "" {
		var ms int
		fmt.Sscanf(v, "%d", &ms)
		if ms > 0 {
			ringTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	template, err := buildCallTemplate(ringTimeout)
	if err != nil {
		log.Fatalf("Template build failed: %v", err)
	}
	factory := registry.Factory{
		Template: template,
		NewPC:    func() fsm.PersistentContext { return &CallContext{} },
		NewVC:    func() any { return &CallStats{} },
	}
	if err := reg.AddTrigger("INCOMING_CALL", factory); err != nil {
		log.Fatalf("Trigger registration failed: %v", err)
	}
	if err := reg.SetDefaultFactory(factory); err != nil {
		log.Fatalf("Default factory registration failed: %v", err)
	}

	var dbgServer *debug.Server
	if cfg.LiveDebug {
		hub := debug.NewHub(reg, cfg.SampleEvery)
		dbgServer = debug.NewServer(hub, cfg.DebugPort)
		dbgServer.Start()
	}

	log.Printf("SwitchForge up: tps=%d machines=%d ring=%v backend=%s",
		cfg.TargetTPS, cfg.MaxConcurrentMachines, ringTimeout, os.Getenv("STORE_BACKEND"))

	if os.Getenv("DEMO_TRAFFIC") == "true" {
		go runDemoTraffic(reg)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("Shutting down")

	if dbgServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		dbgServer.Shutdown(shutdownCtx)
		cancel()
	}
	if err := reg.Shutdown(); err != nil {
		log.Printf("Shutdown incomplete: %v", err)
	}
}

// runDemoTraffic drives a steady trickle of synthetic calls so the debug
// channel has something to show.
func runDemoTraffic(reg *registry.Registry) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	n := 0
	for range ticker.C {
		n++
		id := fmt.Sprintf("demo-call-%d", n)
		reg.SendEvent(id, fsm.NewEvent("INCOMING_CALL", map[string]string{"from": "+1-555-0100"}))
		reg.SendEvent(id, fsm.NewEvent("SESSION_PROGRESS", nil))

		// Answer two of three calls, let the rest ring out.
		if n%3 != 0 {
			reg.SendEvent(id, fsm.NewEvent("ANSWER", nil))
			reg.SendEvent(id, fsm.NewEvent("HANGUP", nil))
		}
	}
}
