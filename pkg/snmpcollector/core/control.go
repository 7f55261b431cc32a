package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ControlServer implements the §6 control surface: a read-mostly HTTP/JSON
// API plus one mutating endpoint to trigger an out-of-band run. Matches the
// pack's own control-plane API shape — plain net/http + ServeMux, no router
// library — with a token-bucket limiter guarding the mutating endpoint
// against submission storms.
type ControlServer struct {
	pool       *Pool
	queue      QueueStore
	dispatcher *Dispatcher
	persistence Persistence
	logger     *slog.Logger
	limiter    *rate.Limiter

	server *http.Server
}

// NewControlServer builds a ControlServer listening on addr. runLimitPerSec
// bounds POST /pollers/nodes/{id}/run (default 10 req/s, burst 20).
func NewControlServer(addr string, pool *Pool, queue QueueStore, dispatcher *Dispatcher, persistence Persistence, logger *slog.Logger, runLimitPerSec float64) *ControlServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if runLimitPerSec <= 0 {
		runLimitPerSec = 10
	}
	cs := &ControlServer{
		pool:        pool,
		queue:       queue,
		dispatcher:  dispatcher,
		persistence: persistence,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(runLimitPerSec), int(runLimitPerSec*2)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pollers", cs.handlePollers)
	mux.HandleFunc("/pollers/queue", cs.handleQueue)
	mux.HandleFunc("/pollers/stats", cs.handleStats)
	mux.HandleFunc("/pollers/nodes/", cs.handleNodeRun)

	cs.server = &http.Server{Addr: addr, Handler: mux}
	return cs
}

// Start begins serving in a background goroutine. Errors other than a clean
// shutdown are logged, matching the teacher's error-containment policy.
func (cs *ControlServer) Start() {
	go func() {
		if err := cs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cs.logger.Error("control server exited", "error", err.Error())
		}
	}()
}

// Stop gracefully shuts the server down within ctx's deadline.
func (cs *ControlServer) Stop(ctx context.Context) error {
	return cs.server.Shutdown(ctx)
}

func (cs *ControlServer) handlePollers(w http.ResponseWriter, r *http.Request) {
	stats := cs.pool.GetStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_slots": stats.TotalSlots,
		"free_slots":  stats.FreeSlots,
		"busy_slots":  stats.BusySlots,
	})
}

func (cs *ControlServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := cs.queue.TotalSize(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"total_queue_size": total})
}

func (cs *ControlServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cs.pool.GetStats())
}

// handleNodeRun implements POST /pollers/nodes/{id}/run: enqueues an
// out-of-band execution for the given master, subject to the same
// invariants as a normal tick submission (spec §6).
func (cs *ControlServer) handleNodeRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !cs.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	nodeID := nodeIDFromPath(r.URL.Path)
	if nodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing node id"})
		return
	}

	ctx := r.Context()
	masters, err := cs.persistence.LoadEnabledMasters(ctx, time.Now().Add(24*time.Hour))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	var master ProbeNode
	found := false
	for _, m := range masters {
		if m.ID == nodeID {
			master, found = m, true
			break
		}
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or disabled master"})
		return
	}

	device, err := cs.persistence.LoadDevice(ctx, master.DeviceID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	followers, err := cs.persistence.LoadFollowers(ctx, master.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	outcome, err := cs.dispatcher.Submit(ctx, SubmitRequest{Device: device, Master: master, Followers: followers})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func nodeIDFromPath(path string) string {
	const prefix = "/pollers/nodes/"
	const suffix = "/run"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
