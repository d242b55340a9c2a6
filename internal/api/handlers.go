package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stratequeue/internal/config"
	"stratequeue/internal/engine"
	"stratequeue/internal/runner"
	"stratequeue/internal/stats"
	"stratequeue/internal/supervisor"
	"stratequeue/pkg/types"
)

// maxUploadBytes bounds a strategy file upload.
const maxUploadBytes = 10 << 20

// Handlers implements the control-plane HTTP surface.
type Handlers struct {
	sup      *supervisor.Supervisor
	stats    *stats.Manager
	engines  *engine.Registry
	dataDir  string
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(sup *supervisor.Supervisor, st *stats.Manager, engines *engine.Registry, dataDir string, allowedOrigins []string, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		sup:     sup,
		stats:   st,
		engines: engines,
		dataDir: dataDir,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With("component", "api-handlers"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool { return set[r.Header.Get("Origin")] }
}

// ————————————————————————————————————————————————————————————————————————
// DTOs
// ————————————————————————————————————————————————————————————————————————

type validateResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

type deployResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type strategyDTO struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Status         string           `json:"status"`
	Mode           string           `json:"mode"`
	Symbols        []string         `json:"symbols"`
	Allocation     decimal.Decimal  `json:"allocation"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	LastSignal     *time.Time       `json:"last_signal,omitempty"`
	LastSignalType types.SignalType `json:"last_signal_type,omitempty"`
	DataSource     string           `json:"data_source"`
	Granularity    string           `json:"granularity"`
}

type strategiesResponse struct {
	Strategies []strategyDTO `json:"strategies"`
}

type statisticsResponse struct {
	Metrics stats.Snapshot `json:"metrics"`
}

type stopRequest struct {
	Liquidate bool `json:"liquidate"`
	Force     bool `json:"force"`
}

type enginesResponse struct {
	Engines []engine.Availability `json:"engines"`
}

type uploadResponse struct {
	Path string `json:"path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toStrategyDTO(r types.StrategyRecord) strategyDTO {
	return strategyDTO{
		ID:             r.ID,
		Name:           r.Name,
		Status:         string(r.Status),
		Mode:           string(r.Mode),
		Symbols:        r.Symbols,
		Allocation:     r.Allocation,
		StartedAt:      r.StartedAt,
		LastSignal:     r.LastSignalTS,
		LastSignalType: r.LastSignalType,
		DataSource:     r.DataSource,
		Granularity:    string(r.Granularity),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// ————————————————————————————————————————————————————————————————————————
// Handlers
// ————————————————————————————————————————————————————————————————————————

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleDeployValidate checks a deploy spec without starting anything.
func (h *Handlers) HandleDeployValidate(w http.ResponseWriter, r *http.Request) {
	var spec supervisor.DeploySpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	_, errs := h.sup.Validate(r.Context(), spec)
	writeJSON(w, http.StatusOK, validateResponse{Valid: len(errs) == 0, Errors: errs})
}

// HandleDeployStart validates and deploys a strategy.
func (h *Handlers) HandleDeployStart(w http.ResponseWriter, r *http.Request) {
	var spec supervisor.DeploySpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	rec, err := h.sup.Deploy(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{
		ID:      rec.ID,
		Message: fmt.Sprintf("strategy %s deployed", rec.Name),
	})
}

// HandleStrategies lists all registered strategies.
func (h *Handlers) HandleStrategies(w http.ResponseWriter, _ *http.Request) {
	records := h.sup.List()
	out := strategiesResponse{Strategies: make([]strategyDTO, 0, len(records))}
	for _, rec := range records {
		out.Strategies = append(out.Strategies, toStrategyDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStatistics returns one strategy's performance metrics. Stopped
// strategies keep returning their last snapshot.
func (h *Handlers) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.sup.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown strategy %s", id)
		return
	}
	snap, _ := h.stats.Snapshot(id) // zero snapshot before first event
	snap.StrategyID = id
	writeJSON(w, http.StatusOK, statisticsResponse{Metrics: snap})
}

// HandlePause suspends a strategy.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, func(id string) error { return h.sup.Pause(id) })
}

// HandleResume restarts a paused strategy.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, func(id string) error { return h.sup.Resume(id) })
}

// HandleStop begins shutdown of a strategy, optionally liquidating.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.Body != nil {
		// an empty body means default options
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
	}
	h.command(w, r, func(id string) error {
		return h.sup.Stop(id, runner.StopOptions{Liquidate: req.Liquidate, Force: req.Force})
	})
}

func (h *Handlers) command(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

// HandleEngines reports every registered engine and its availability.
func (h *Handlers) HandleEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, enginesResponse{Engines: h.engines.List()})
}

// HandleUploadStrategy saves an uploaded strategy file under the data dir
// and returns the path for use in a deploy spec.
func (h *Handlers) HandleUploadStrategy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field: %v", err)
		return
	}
	defer file.Close()

	dir := filepath.Join(h.dataDir, "strategies")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "create strategies dir: %v", err)
		return
	}
	// Base strips any path components a client smuggles into the filename
	dst := filepath.Join(dir, filepath.Base(header.Filename))
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create file: %v", err)
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(file, maxUploadBytes)); err != nil {
		writeError(w, http.StatusInternalServerError, "write file: %v", err)
		return
	}

	h.logger.Info("strategy uploaded", "path", dst)
	writeJSON(w, http.StatusOK, uploadResponse{Path: dst})
}

// HandleConfig persists credential key/value pairs to the 0600 store.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	path := config.CredentialsPath(h.dataDir)
	if err := config.SaveCredentials(path, updates); err != nil {
		writeError(w, http.StatusInternalServerError, "save credentials: %v", err)
		return
	}
	h.logger.Info("credentials updated", "keys", len(updates))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWebSocket upgrades to the event stream and sends the current
// registry snapshot as the first event.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := newWSClient(h.hub, conn)

	records := h.sup.List()
	dtos := make([]strategyDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toStrategyDTO(rec))
	}
	evt := Event{Type: "strategies", Timestamp: time.Now().UTC(), Data: dtos}
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case client.send <- raw:
	default:
	}
}
