// Command transcribeserver runs the chunked upload streaming engine: the
// HTTP/SSE surface backed by the upload coordinator (C7), queue workers
// (C9), and parent-job manager (C5). Grounded on this codebase's
// cmd/webui/main.go startup sequence (load config, construct the storage
// layer, construct the domain client, register routes, serve with
// graceful shutdown), generalized from one storage.Manager to this
// engine's store/object-store/gate/queue wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/config"
	"github.com/nexusaudio/chunked-transcribe/internal/correction"
	"github.com/nexusaudio/chunked-transcribe/internal/gate"
	"github.com/nexusaudio/chunked-transcribe/internal/httpapi"
	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/metrics"
	"github.com/nexusaudio/chunked-transcribe/internal/objectstore"
	"github.com/nexusaudio/chunked-transcribe/internal/parentjob"
	"github.com/nexusaudio/chunked-transcribe/internal/queue"
	"github.com/nexusaudio/chunked-transcribe/internal/store"
	"github.com/nexusaudio/chunked-transcribe/internal/subjob"
	"github.com/nexusaudio/chunked-transcribe/internal/transcription"
	"github.com/nexusaudio/chunked-transcribe/internal/upload"
	"github.com/nexusaudio/chunked-transcribe/internal/webhook"
)

// queueBufferSize and queueWorkerCount bound C9's in-memory backlog and
// parallelism; sized generously relative to the default ChunkProcessing
// gate (3 concurrent) since the queue itself is cheap to hold work in,
// the gate is what actually throttles upstream calls.
const (
	queueBufferSize  = 4096
	queueWorkerCount = 8

	gcInterval = 10 * time.Minute
)

func main() {
	configPath := flag.String("config", "", "Path to JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	format := logging.TextFormat
	if cfg.Logging.Format == "json" {
		format = logging.JSONFormat
	}
	log := logging.New(&logging.Config{Level: level, Format: format, Component: "transcribeserver"})
	logging.InitGlobal(log)

	met := metrics.New(nil)

	gates := gate.Init(map[gate.Name]gate.Config{
		gate.Transcription:   toGateConfig(cfg.Gates.Transcription),
		gate.Correction:      toGateConfig(cfg.Gates.Correction),
		gate.JobSpawn:        toGateConfig(cfg.Gates.JobSpawn),
		gate.ChunkProcessing: toGateConfig(cfg.Gates.ChunkProcessing),
	}, log)
	gates.AttachMetrics(met)

	durableStore, err := buildStore(cfg)
	if err != nil {
		log.Error("failed to construct durable store", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer durableStore.Close()

	objStore, err := buildObjectStore(cfg, log)
	if err != nil {
		log.Error("failed to construct object store", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	manager := parentjob.New(durableStore, log)

	transcriptionClient := transcription.New(transcription.Config{
		BaseURL: cfg.Upstream.TranscriptionURL, APIKey: cfg.Upstream.TranscriptionKey, Timeout: cfg.Upstream.RequestTimeout,
	})
	correctionClient := correction.New(correction.Config{
		BaseURL: cfg.Upstream.CorrectionURL, APIKey: cfg.Upstream.CorrectionKey, Timeout: cfg.Upstream.RequestTimeout,
	})
	processor := subjob.New(durableStore, objStore, gates, transcriptionClient, correctionClient, log)
	webhookDispatcher := webhook.New(log)

	q := queue.New(queue.Dependencies{
		Store: durableStore, Processor: processor, Manager: manager, ObjectStore: objStore,
		Webhook: webhookDispatcher, Gates: gates, Correction: correctionClient, Log: log, Metrics: met,
	}, queueBufferSize)

	coordinator := upload.New(durableStore, objStore, manager, q, gates, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, queueWorkerCount)
	go runGC(ctx, durableStore, log, cfg.Store.TTL)

	server := httpapi.New(httpapi.Dependencies{
		Coordinator: coordinator, Manager: manager, Queue: q, Store: durableStore, ObjectStore: objStore,
		Gates: gates, Metrics: met, Log: log, DefaultChunkSizeMB: cfg.Chunking.DefaultChunkSizeMB,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections legitimately stay open for up to 30 minutes
		IdleTimeout:  120 * time.Second,
	}

	serverErrs := make(chan error, 1)
	go func() {
		log.Info("listening", logging.Fields{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		log.Error("http server failed", logging.Fields{"error": err.Error()})
	case sig := <-sigCh:
		log.Info("shutdown signal received", logging.Fields{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", logging.Fields{"error": err.Error()})
	}

	cancel()
	q.Wait()
	log.Info("shutdown complete", nil)
}

func toGateConfig(g config.GateConfig) gate.Config {
	return gate.Config{MaxConcurrent: g.MaxConcurrent, MaxRPS: g.MaxRPS, UniformDistribution: g.UniformDistribution}
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgresStore(context.Background(), &store.PostgresConfig{ConnectionString: cfg.Store.DSN})
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildObjectStore(cfg *config.Config, log *logging.Logger) (objectstore.ObjectStore, error) {
	switch cfg.ObjectStore.Driver {
	case "ipfs":
		return objectstore.NewIPFSStore(cfg.ObjectStore.IPFSAPI, log)
	default:
		return objectstore.NewDiskStore(cfg.ObjectStore.DiskRoot)
	}
}

// runGC periodically reclaims terminal ParentJobs whose last write is
// older than the configured TTL: ParentJobs expire after a fixed TTL
// (24h) from last write, in a process that never calls gc_sub_jobs a
// second time on its own (that already runs right after CompleteParent
// in the queue's advance step).
func runGC(ctx context.Context, s store.Store, log *logging.Logger, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-ttl)
			n, err := s.GC(ctx, cutoff)
			if err != nil {
				log.Warn("gc: sweep failed", logging.Fields{"error": err.Error()})
				continue
			}
			if n > 0 {
				log.Info("gc: reclaimed expired jobs", logging.Fields{"count": n})
			}
		}
	}
}

