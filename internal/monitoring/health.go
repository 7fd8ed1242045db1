// Package monitoring serves the runtime's health and metrics endpoints.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurexhq/aurex/internal/backend"
	"github.com/aurexhq/aurex/internal/config"
	"github.com/aurexhq/aurex/internal/engine"
	"github.com/aurexhq/aurex/internal/logger"
	"github.com/aurexhq/aurex/internal/memtier"
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status         string        `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	Uptime         time.Duration `json:"uptime"`
	System         SystemInfo    `json:"system"`
	Memory         []TierInfo    `json:"memory_tiers"`
	Backends       []BackendInfo `json:"backends"`
	ActiveSessions int64         `json:"active_sessions"`
}

// SystemInfo carries host-level facts.
type SystemInfo struct {
	GoVersion   string `json:"go_version"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	NumCPU      int    `json:"num_cpu"`
	GPUPresent  bool   `json:"gpu_present"`
	NVMePresent bool   `json:"nvme_present"`
}

// TierInfo reports one memory tier's budget and residency.
type TierInfo struct {
	Tier          string  `json:"tier"`
	UsedBytes     int64   `json:"used_bytes"`
	CapacityBytes int64   `json:"capacity_bytes"`
	UsagePct      float64 `json:"usage_pct"`
}

// BackendInfo reports one execution target from the capability snapshot.
type BackendInfo struct {
	Kind      string `json:"kind"`
	Available bool   `json:"available"`
	Priority  int    `json:"priority"`
	SIMD      string `json:"simd,omitempty"`
}

// HealthMonitor exposes /health, /healthz, and /metrics over HTTP.
type HealthMonitor struct {
	startTime  time.Time
	cfg        config.Config
	store      *memtier.Store
	dispatcher *backend.Dispatcher
	log        *logger.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewHealthMonitor wires the monitor to the runtime's store and dispatcher.
func NewHealthMonitor(store *memtier.Store, dispatcher *backend.Dispatcher, cfg config.Config) *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		log:        logger.Log.Component("monitoring"),
	}
}

// Handler builds the HTTP mux serving health and metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves the endpoints on addr. Blocks until the server stops.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	hm.log.Info("health monitor listening", "addr", addr)
	return srv.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	srv := hm.server
	hm.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Status assembles the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	usage := hm.store.Usage()
	tiers := make([]TierInfo, 0, 3)
	for _, t := range []memtier.Tier{memtier.TierFast, memtier.TierMedium, memtier.TierSlow} {
		used := usage.ForTier(t)
		cap := hm.store.Capacity(t)
		info := TierInfo{Tier: t.String(), UsedBytes: used, CapacityBytes: cap}
		if cap > 0 {
			info.UsagePct = float64(used) / float64(cap) * 100
		}
		tiers = append(tiers, info)
	}

	var backends []BackendInfo
	for _, c := range hm.dispatcher.Capabilities() {
		backends = append(backends, BackendInfo{
			Kind:      c.Kind.String(),
			Available: c.Available,
			Priority:  c.Priority,
			SIMD:      c.SIMD,
		})
	}

	return HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System: SystemInfo{
			GoVersion:   runtime.Version(),
			OS:          runtime.GOOS,
			Arch:        runtime.GOARCH,
			NumCPU:      runtime.NumCPU(),
			GPUPresent:  hm.cfg.GPUPresent,
			NVMePresent: hm.cfg.NVMePresent,
		},
		Memory:         tiers,
		Backends:       backends,
		ActiveSessions: engine.ActiveSessions(),
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hm.Status()); err != nil {
		hm.log.Error("encoding health response", "error", err)
	}
}
