// Command rsdriver-probe wires the driver's full stack together for
// operational use: load config, build a Client against one replica
// set, serve the admin HTTP surface, and periodically log liveness
// until a shutdown signal arrives. It mirrors the teacher's
// cmd/dbbouncer/main.go wiring order (load config -> construct
// collaborators -> start background loops -> start HTTP admin surface
// -> wait on signal -> reverse-order shutdown).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbusdb/rsdriver"
	"github.com/nimbusdb/rsdriver/internal/api"
	"github.com/nimbusdb/rsdriver/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/rsdriver.yaml", "path to configuration file")
	probeInterval := flag.Duration("probe-interval", 10*time.Second, "how often to log a liveness probe")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("rsdriver-probe starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (replica set %q, %d seeds)",
		*configPath, cfg.ReplicaSet.Name, len(cfg.ReplicaSet.Seeds))

	opts, err := rsdriver.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("failed to build driver options: %v", err)
	}

	client, err := rsdriver.New(opts)
	if err != nil {
		log.Fatalf("failed to build client: %v", err)
	}

	apiServer := api.NewServer(client.Holder(), client.Pools(), client.Metrics(), cfg.API)
	if err := apiServer.Start(); err != nil {
		log.Fatalf("failed to start admin API: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("reloading configuration...")
		client.ScheduleRefresh()
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	stopProbe := startProbeLoop(client, *probeInterval)

	log.Printf("rsdriver-probe ready - replica set %q, admin API on %s:%d",
		cfg.ReplicaSet.Name, cfg.API.Bind, cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	close(stopProbe)
	if configWatcher != nil {
		configWatcher.Stop()
	}
	if err := apiServer.Stop(); err != nil {
		log.Printf("admin API shutdown error: %v", err)
	}
	client.Close()

	log.Printf("rsdriver-probe stopped")
}

// startProbeLoop periodically logs the replica set's observed liveness
// (Client.Alive — spec.md §4.8's best-effort probe), giving this
// binary its name. Returns a channel the caller closes to stop it.
func startProbeLoop(client *rsdriver.Client, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval/2)
				alive := client.Alive(ctx)
				cancel()
				snap := client.Snapshot()
				writer, hasWriter := snap.Writer()
				slog.Info("replica set probe",
					"alive", alive,
					"has_primary", hasWriter,
					"primary", endpointLabel(writer, hasWriter),
					"members", len(snap.Members()))
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func endpointLabel(ep interface{ String() string }, ok bool) string {
	if !ok {
		return "(none)"
	}
	return ep.String()
}
