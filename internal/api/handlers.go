package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"aquatrack/internal/model"
	"aquatrack/internal/reconcile"
	"aquatrack/internal/session"
)

// SessionControl is the session manager surface the UI drives.
type SessionControl interface {
	StartScan(ctx context.Context) error
	Connect(ctx context.Context, deviceID string) error
	Disconnect()
	WriteCommand(text string) error
	Snapshot() session.Snapshot
}

// Syncer triggers a manual reconcile run.
type Syncer interface {
	RunOnce(ctx context.Context) error
}

// AggregateReader answers period total queries.
type AggregateReader interface {
	Total(ctx context.Context, period model.Period) (float64, error)
}

// IdentityLedger is the slice of the ledger the login/logout flow touches.
type IdentityLedger interface {
	Identity() string
	SetIdentity(userID string) error
	SumPending() float64
}

// CalculatorControl is the consumption-calculator surface the identity flow
// resets on logout and on a user change.
type CalculatorControl interface {
	ResetAccumulation()
	Accumulated() float64
}

// SyncHistory reports the most recent successful flush for a user.
type SyncHistory interface {
	LastSync(ctx context.Context, userID string) (time.Time, bool, error)
}

// Handlers groups the UI-facing endpoints.
type Handlers struct {
	sessions SessionControl
	syncer   Syncer
	reader   AggregateReader
	ledger   IdentityLedger
	calc     CalculatorControl
	history  SyncHistory
	logger   *zap.Logger
}

// NewHandlers builds the endpoint set.
func NewHandlers(sessions SessionControl, syncer Syncer, reader AggregateReader, ledger IdentityLedger, calc CalculatorControl, history SyncHistory, logger *zap.Logger) *Handlers {
	return &Handlers{
		sessions: sessions,
		syncer:   syncer,
		reader:   reader,
		ledger:   ledger,
		calc:     calc,
		history:  history,
		logger:   logger,
	}
}

// Scan starts device discovery. The scan window outlives the request, so it
// runs on a background context.
func (h *Handlers) Scan(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.StartScan(context.Background()); err != nil {
		if errors.Is(err, session.ErrInvalidState) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "scan failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scanning"})
}

// Connect establishes a session with the requested device.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	if err := h.sessions.Connect(context.Background(), req.DeviceID); err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			writeError(w, http.StatusConflict, "a connection is already in progress")
		case errors.Is(err, session.ErrConnectFailed):
			writeError(w, http.StatusBadGateway, "bottle did not respond, move closer and try again")
		default:
			writeError(w, http.StatusBadGateway, "connect failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.Snapshot())
}

// Disconnect tears the session down.
func (h *Handlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.sessions.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

// Command forwards a text command to the bottle.
func (h *Handlers) Command(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := h.sessions.WriteCommand(req.Text); err != nil {
		if errors.Is(err, session.ErrInvalidState) {
			writeError(w, http.StatusConflict, "no device connected")
			return
		}
		writeError(w, http.StatusBadGateway, "write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// Sync runs a manual reconcile. Deferred sync errors are surfaced here and
// only here; scheduled runs just retry.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	if !h.requireLogin(w, r) {
		return
	}
	if err := h.syncer.RunOnce(r.Context()); err != nil {
		switch {
		case errors.Is(err, reconcile.ErrSyncInProgress):
			writeError(w, http.StatusConflict, "sync already running")
		case errors.Is(err, reconcile.ErrNoSyncTarget):
			writeError(w, http.StatusConflict, "connect a bottle before syncing")
		default:
			h.logger.Warn("manual sync failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "sync failed, will retry automatically")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// Aggregate serves GET /aggregate?period=day|week|month.
func (h *Handlers) Aggregate(w http.ResponseWriter, r *http.Request) {
	if !h.requireLogin(w, r) {
		return
	}
	period := model.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = model.PeriodDay
	}

	total, err := h.reader.Total(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period":   period,
		"total_ml": total,
	})
}

// Status reports the observable session fields plus ledger figures.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.sessions.Snapshot()
	body := map[string]interface{}{
		"session":        snap,
		"pending_ml":     h.ledger.SumPending(),
		"accumulated_ml": h.calc.Accumulated(),
		"identity":       h.ledger.Identity(),
		"last_sync":      nil,
	}
	if userID := h.ledger.Identity(); userID != "" {
		ts, found, err := h.history.LastSync(r.Context(), userID)
		switch {
		case err != nil:
			h.logger.Warn("last sync lookup failed", zap.String("user_id", userID), zap.Error(err))
		case found:
			body["last_sync"] = ts.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// Login activates the token's identity: the ledger switches to that user's
// namespace and pending events for it are loaded from disk.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no identity")
		return
	}
	previous := h.ledger.Identity()
	if err := h.ledger.SetIdentity(userID); err != nil {
		h.logger.Error("identity switch failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load ledger")
		return
	}
	// A different user taking over mid-session must not inherit the previous
	// user's accumulation or seeded fill level.
	if userID != previous {
		h.calc.ResetAccumulation()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity":   userID,
		"pending_ml": h.ledger.SumPending(),
	})
}

// Logout resets in-memory accumulation; on-disk ledger entries for the
// identity stay inert until the next login.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.calc.ResetAccumulation()
	if err := h.ledger.SetIdentity(""); err != nil {
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Health is the only unauthenticated endpoint.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireLogin enforces that the token identity is the active ledger
// identity, so a stale client cannot merge one user's events under another.
func (h *Handlers) requireLogin(w http.ResponseWriter, r *http.Request) bool {
	userID, ok := UserIDFromContext(r.Context())
	if !ok || userID == "" {
		writeError(w, http.StatusUnauthorized, "no identity")
		return false
	}
	if h.ledger.Identity() != userID {
		writeError(w, http.StatusConflict, "log in before syncing or querying totals")
		return false
	}
	return true
}
