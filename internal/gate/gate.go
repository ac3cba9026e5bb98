// Package gate implements C1, the Rate/Concurrency Gate: a composed
// counting semaphore (golang.org/x/sync/semaphore, FIFO acquisition) and
// token-spread rate limiter (golang.org/x/time/rate) guarding each
// upstream API. Gates are process-wide singletons constructed once at
// startup via Init, mirroring this codebase's process-wide
// storage.Manager / cache.Cache singleton pattern (pkg/storage/manager.go).
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nexusaudio/chunked-transcribe/internal/logging"
	"github.com/nexusaudio/chunked-transcribe/internal/metrics"
)

// Name identifies one of the named logical limiters.
type Name string

const (
	Transcription   Name = "transcription"
	Correction      Name = "correction"
	JobSpawn        Name = "job_spawn"
	ChunkProcessing Name = "chunk_processing"
)

// Config configures one gate: a concurrency cap and an optional RPS cap.
// MaxRPS <= 0 disables the rate limiter for that gate (JobSpawn and
// ChunkProcessing only bound concurrency by default).
type Config struct {
	MaxConcurrent       int
	MaxRPS              float64
	UniformDistribution bool
}

// Gate bounds in-flight work for one upstream by composing a FIFO
// counting semaphore with a token-spread rate limiter.
type Gate struct {
	name    Name
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex
	waiting int
	inUse   int

	log *logging.Logger
	met *metrics.Registry
}

func newGate(name Name, cfg Config, log *logging.Logger) *Gate {
	g := &Gate{name: name, sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)), log: log}
	if cfg.MaxRPS > 0 {
		if cfg.UniformDistribution {
			// Minimum spacing between releases = 1000ms / max_rps; burst 1
			// enforces uniform spread rather than burst-then-idle.
			g.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
		} else {
			// Sliding window with burst allowed up to the RPS figure itself.
			g.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), int(cfg.MaxRPS))
		}
	}
	return g
}

// Run waits on the rate limiter, then acquires the semaphore, runs fn, and
// releases the semaphore when fn returns — the run(limiter_id, fn) contract every gated
// call follows. Run never drops work: blocking is unbounded except by ctx
// cancellation.
func (g *Gate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()

	g.mu.Lock()
	g.waiting++
	g.mu.Unlock()
	g.publish()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.mu.Lock()
			g.waiting--
			g.mu.Unlock()
			g.publish()
			return err
		}
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
		g.publish()
		return err
	}

	queuedMS := time.Since(start).Milliseconds()

	g.mu.Lock()
	g.waiting--
	g.inUse++
	waiting, inUse := g.waiting, g.inUse
	g.mu.Unlock()
	g.publish()

	g.log.Debug("gate entry", logging.Fields{
		"gate": string(g.name), "waiting": waiting, "in_use": inUse, "queued_ms": queuedMS,
	})

	runStart := time.Now()
	defer func() {
		g.mu.Lock()
		g.inUse--
		waiting, inUse := g.waiting, g.inUse
		g.mu.Unlock()
		g.sem.Release(1)
		g.publish()

		g.log.Debug("gate exit", logging.Fields{
			"gate": string(g.name), "waiting": waiting, "in_use": inUse,
			"duration_ms": time.Since(runStart).Milliseconds(),
		})
	}()

	return fn(ctx)
}

// publish mirrors the current occupancy into the Prometheus gauges, if a
// metrics registry has been attached. A nil registry (tests, or a process
// that never called Registry.AttachMetrics) makes this a no-op.
func (g *Gate) publish() {
	if g.met == nil {
		return
	}
	g.mu.Lock()
	waiting, inUse := g.waiting, g.inUse
	g.mu.Unlock()
	g.met.GateWaiting.WithLabelValues(string(g.name)).Set(float64(waiting))
	g.met.GateInUse.WithLabelValues(string(g.name)).Set(float64(inUse))
}

// Occupancy is a point-in-time snapshot for /health.
type Occupancy struct {
	Waiting int `json:"waiting"`
	InUse   int `json:"in_use"`
}

func (g *Gate) Occupancy() Occupancy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Occupancy{Waiting: g.waiting, InUse: g.inUse}
}

// Registry holds the process-wide named gates (the four Name constants
// above, as configured by Init).
type Registry struct {
	gates map[Name]*Gate
}

var (
	globalMu  sync.RWMutex
	global    *Registry
)

// Init constructs the process-wide gate registry. Call once at startup.
func Init(cfgs map[Name]Config, log *logging.Logger) *Registry {
	r := &Registry{gates: make(map[Name]*Gate, len(cfgs))}
	for name, cfg := range cfgs {
		r.gates[name] = newGate(name, cfg, log.WithComponent(fmt.Sprintf("gate.%s", name)))
	}
	globalMu.Lock()
	global = r
	globalMu.Unlock()
	return r
}

// AttachMetrics wires a Prometheus registry into every gate so Run starts
// publishing occupancy gauges. Separate from Init so a caller that never
// wants Prometheus exposition (e.g. a unit test) pays no cost.
func (r *Registry) AttachMetrics(m *metrics.Registry) {
	for _, g := range r.gates {
		g.met = m
	}
}

// Global returns the process-wide registry installed by Init.
func Global() *Registry {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Run runs fn through the named gate, returning an error if the gate is
// unknown (a programming-error fault, not a runtime condition callers
// should branch on).
func (r *Registry) Run(ctx context.Context, name Name, fn func(ctx context.Context) error) error {
	g, ok := r.gates[name]
	if !ok {
		return fmt.Errorf("gate: unknown limiter %q", name)
	}
	return g.Run(ctx, fn)
}

// Status returns an occupancy snapshot of every registered gate, used by
// the /health endpoint.
func (r *Registry) Status() map[Name]Occupancy {
	out := make(map[Name]Occupancy, len(r.gates))
	for name, g := range r.gates {
		out[name] = g.Occupancy()
	}
	return out
}
