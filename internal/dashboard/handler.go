package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/habittrack/habitsync/internal/daemon"
	"github.com/habittrack/habitsync/internal/outbox"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// Monitor is the surface the dashboard reads and drives.
type Monitor interface {
	GetStats(ctx context.Context) (outbox.Stats, error)
	GetPendingMutations(ctx context.Context, limit int) ([]*schema.MutationRecord, error)
	TriggerSync(ctx context.Context) (daemon.Result, error)
	Cleanup(ctx context.Context, days int) (int, error)
	Wake(c daemon.Condition)
}

// StatusSource is implemented by monitors that publish the status
// indicator.
type StatusSource interface {
	CurrentStatus() daemon.Status
	SubscribeStatus() (<-chan daemon.Status, func())
}

// StatsData is the payload of stats messages.
type StatsData struct {
	outbox.Stats
	Status daemon.Status `json:"status,omitempty"`
}

// StatusData is the payload of status messages.
type StatusData struct {
	Status daemon.Status `json:"status"`
}

// SyncData is the payload of sync_complete messages and /api/sync replies.
type SyncData struct {
	daemon.Result
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CleanupData is the payload of cleanup messages.
type CleanupData struct {
	Deleted int `json:"deleted"`
	Days    int `json:"days"`
}

// Handler bridges a Monitor to the server: it serves the JSON API and
// broadcasts changes to WebSocket clients.
type Handler struct {
	server  *Server
	monitor Monitor
	status  StatusSource
	logger  *slog.Logger
}

// NewHandler registers the monitor API on server.
func NewHandler(server *Server, monitor Monitor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:  server,
		monitor: monitor,
		logger:  logger.With("component", "dashboard"),
	}
	h.status, _ = monitor.(StatusSource)

	server.Handle("GET /health", h.handleHealth)
	server.Handle("GET /api/stats", h.handleStats)
	server.Handle("GET /api/pending", h.handlePending)
	server.Handle("POST /api/sync", h.handleSync)
	server.Handle("POST /api/cleanup", h.handleCleanup)
	server.Handle("POST /api/wake/{condition}", h.handleWake)
	server.welcome = h.statsMessage

	return h
}

// Start subscribes to status changes and then, in the background,
// broadcasts them as they happen and stats every interval until ctx is done.
func (h *Handler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	var (
		statuses    <-chan daemon.Status
		unsubscribe = func() {}
	)
	if h.status != nil {
		statuses, unsubscribe = h.status.SubscribeStatus()
	}

	go func() {
		defer unsubscribe()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-statuses:
				if !ok {
					statuses = nil
					continue
				}
				h.OnStatus(st)
			case <-ticker.C:
				h.broadcastStats()
			}
		}
	}()
}

// OnStatus broadcasts a status change followed by fresh stats.
func (h *Handler) OnStatus(st daemon.Status) {
	h.server.BroadcastData(MessageTypeStatus, StatusData{Status: st})
	h.broadcastStats()
}

// OnSyncComplete broadcasts a pass summary followed by fresh stats.
func (h *Handler) OnSyncComplete(data SyncData) {
	h.server.BroadcastData(MessageTypeSyncComplete, data)
	h.broadcastStats()
}

func (h *Handler) statsData(ctx context.Context) (StatsData, error) {
	stats, err := h.monitor.GetStats(ctx)
	if err != nil {
		return StatsData{}, err
	}
	data := StatsData{Stats: stats}
	if h.status != nil {
		data.Status = h.status.CurrentStatus()
	}
	return data, nil
}

func (h *Handler) statsMessage() Message {
	data, err := h.statsData(context.Background())
	if err != nil {
		h.logger.Warn("failed to read stats", "error", err)
		return Message{Type: MessageTypeStats}
	}
	msg, err := newMessage(MessageTypeStats, data)
	if err != nil {
		return Message{Type: MessageTypeStats}
	}
	return msg
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"clients": h.server.ClientCount(),
	}
	if h.status != nil {
		body["sync_status"] = h.status.CurrentStatus()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	data, err := h.statsData(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := h.monitor.GetPendingMutations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*schema.MutationRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := h.monitor.TriggerSync(r.Context())
	data := SyncData{Result: res, Duration: time.Since(start)}
	if err != nil {
		data.Error = err.Error()
	} else if res.Err != nil {
		data.Error = res.Err.Error()
	}
	h.OnSyncComplete(data)

	status := http.StatusOK
	switch {
	case syncerr.IsSchema(err):
		status = http.StatusFailedDependency
	case err != nil:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, data)
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", outbox.DefaultRetentionDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := h.monitor.Cleanup(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	data := CleanupData{Deleted: n, Days: days}
	h.server.BroadcastData(MessageTypeCleanup, data)
	h.broadcastStats()
	writeJSON(w, http.StatusOK, data)
}

func (h *Handler) handleWake(w http.ResponseWriter, r *http.Request) {
	c, err := daemon.ParseCondition(r.PathValue("condition"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.monitor.Wake(c)
	writeJSON(w, http.StatusAccepted, map[string]string{"condition": string(c)})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
