package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"aquatrack/internal/consumption"
	"aquatrack/internal/model"
	"aquatrack/internal/radio"
	"aquatrack/internal/telemetry"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateMonitoring   State = "monitoring"
	StateDisconnected State = "disconnected"
)

var (
	// ErrBusy is returned when a connect is requested while an attempt or a
	// live session is already in flight.
	ErrBusy = errors.New("session: connection attempt already in flight")
	// ErrInvalidState is returned when an operation is not legal from the
	// current state.
	ErrInvalidState = errors.New("session: operation not valid in current state")
	// ErrConnectFailed is the fatal error after the retry budget is spent.
	ErrConnectFailed = errors.New("session: device unreachable after retries")
)

const lastDeviceKey = "device:last"

// Storage persists the last connected device id across launches.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Config bounds the state machine's timing.
type Config struct {
	NameFilter       string        `yaml:"nameFilter" env:"SESSION_NAME_FILTER"`
	ScanWindow       time.Duration `yaml:"scanWindow" env:"SESSION_SCAN_WINDOW"`
	ConnectTimeout   time.Duration `yaml:"connectTimeout" env:"SESSION_CONNECT_TIMEOUT"`
	ConnectAttempts  int           `yaml:"connectAttempts" env:"SESSION_CONNECT_ATTEMPTS"`
	LivenessInterval time.Duration `yaml:"livenessInterval" env:"SESSION_LIVENESS_INTERVAL"`
	ServiceID        string        `yaml:"serviceId" env:"SESSION_SERVICE_ID"`
	TelemetryCharID  string        `yaml:"telemetryCharId" env:"SESSION_TELEMETRY_CHAR_ID"`
	CommandCharID    string        `yaml:"commandCharId" env:"SESSION_COMMAND_CHAR_ID"`
}

func (c *Config) applyDefaults() {
	if c.NameFilter == "" {
		c.NameFilter = "AquaBottle"
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 2
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = 3 * time.Second
	}
	if c.ServiceID == "" {
		c.ServiceID = "water"
	}
	if c.TelemetryCharID == "" {
		c.TelemetryCharID = "telemetry"
	}
	if c.CommandCharID == "" {
		c.CommandCharID = "command"
	}
}

// Snapshot is the immutable view observers receive on every change.
type Snapshot struct {
	State        State          `json:"state"`
	IsScanning   bool           `json:"is_scanning"`
	IsConnected  bool           `json:"is_connected"`
	Device       *model.Device  `json:"device,omitempty"`
	FoundDevices []model.Device `json:"found_devices"`
	BatteryPct   *float64       `json:"battery_pct,omitempty"`
	VolumeMl     *float64       `json:"volume_ml,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
}

// Observer receives state snapshots. Callbacks run on manager goroutines and
// must not block.
type Observer func(Snapshot)

// MonitoringListener is told when telemetry monitoring starts and stops; the
// reconciler scheduler hangs off it.
type MonitoringListener func(active bool)

type frameMsg struct {
	payload []byte
	at      time.Time
}

// Manager owns the device session. All connection-affecting operations are
// serialized behind its mutex; only one attempt is ever in flight.
type Manager struct {
	cfg     Config
	adapter radio.Adapter
	calc    *consumption.Calculator
	store   Storage
	logger  *zap.Logger

	mu            sync.Mutex
	state         State
	device        *model.Device
	conn          radio.Connection
	found         []model.Device
	foundIDs      map[string]struct{}
	lastReading   *model.Reading
	lastError     string
	scanCancel    context.CancelFunc
	monitorCancel context.CancelFunc
	connecting    bool

	observers  []Observer
	monitorers []MonitoringListener

	frames chan frameMsg
}

// NewManager builds an idle session manager.
func NewManager(cfg Config, adapter radio.Adapter, calc *consumption.Calculator, store Storage, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		adapter:  adapter,
		calc:     calc,
		store:    store,
		logger:   logger,
		state:    StateIdle,
		foundIDs: make(map[string]struct{}),
		frames:   make(chan frameMsg, 64),
	}
}

// OnChange registers a state observer.
func (m *Manager) OnChange(obs Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, obs)
	m.mu.Unlock()
}

// OnMonitoring registers a monitoring listener.
func (m *Manager) OnMonitoring(l MonitoringListener) {
	m.mu.Lock()
	m.monitorers = append(m.monitorers, l)
	m.mu.Unlock()
}

// Run drives the telemetry dispatch loop. Frames are enqueued by the radio
// callback and consumed here, so decoding and ledger appends happen on a
// single goroutine that never touches the network.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-m.frames:
			m.handleFrame(frame)
		}
	}
}

func (m *Manager) handleFrame(frame frameMsg) {
	reading, ok := telemetry.Decode(frame.payload, frame.at)
	if !ok {
		// not structured telemetry; the device acks commands on the same
		// characteristic
		return
	}

	m.calc.Observe(reading)

	m.mu.Lock()
	m.lastReading = reading
	m.mu.Unlock()
	m.notify()
}

// StartScan begins device discovery. Valid only from Idle or Disconnected.
// The scan stops by itself after the configured window.
func (m *Manager) StartScan(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateDisconnected {
		m.mu.Unlock()
		return fmt.Errorf("%w: scan from %s", ErrInvalidState, m.state)
	}

	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanWindow)
	m.scanCancel = cancel
	m.state = StateScanning
	m.found = nil
	m.foundIDs = make(map[string]struct{})
	m.lastError = ""
	filter := m.cfg.NameFilter
	m.mu.Unlock()
	m.notify()

	adverts, err := m.adapter.Scan(scanCtx, filter)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.state = StateIdle
		m.scanCancel = nil
		m.lastError = err.Error()
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("session: start scan: %w", err)
	}

	go m.collectAdverts(adverts)
	return nil
}

func (m *Manager) collectAdverts(adverts <-chan radio.Advertisement) {
	for adv := range adverts {
		m.mu.Lock()
		if _, seen := m.foundIDs[adv.Device.ID]; seen {
			m.mu.Unlock()
			continue
		}
		m.foundIDs[adv.Device.ID] = struct{}{}
		m.found = append(m.found, adv.Device)
		m.mu.Unlock()
		m.notify()
	}

	// Channel closed: window elapsed or scan cancelled.
	m.mu.Lock()
	stillScanning := m.state == StateScanning
	if stillScanning {
		m.state = StateIdle
		m.scanCancel = nil
	}
	m.mu.Unlock()
	if stillScanning {
		m.notify()
	}
}

// Connect establishes a session with the device. A second call while an
// attempt or a live session exists returns ErrBusy. Each attempt is bounded
// by the connect timeout; after the retry budget the error is fatal and the
// session lands in Disconnected.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	if m.connecting || m.state == StateConnecting || m.state == StateConnected || m.state == StateMonitoring {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.connecting = true
	m.state = StateConnecting
	m.lastError = ""
	m.mu.Unlock()
	m.notify()

	var conn radio.Connection
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		conn, lastErr = m.adapter.Connect(attemptCtx, deviceID, m.cfg.ConnectTimeout)
		cancel()
		if lastErr == nil {
			break
		}
		m.logger.Warn("connect attempt failed",
			zap.String("device_id", deviceID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.ConnectAttempts),
			zap.Error(lastErr))
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		m.mu.Lock()
		m.connecting = false
		m.state = StateDisconnected
		m.device = nil
		m.lastError = ErrConnectFailed.Error()
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
	}

	if err := m.setupConnection(ctx, deviceID, conn); err != nil {
		_ = conn.Close()
		m.mu.Lock()
		m.connecting = false
		m.state = StateDisconnected
		m.device = nil
		m.lastError = err.Error()
		m.mu.Unlock()
		m.notify()
		return err
	}
	return nil
}

func (m *Manager) setupConnection(ctx context.Context, deviceID string, conn radio.Connection) error {
	// Ask the firmware for a larger transfer unit before enabling
	// notifications; oversized frames are truncated otherwise.
	if err := conn.Write(m.cfg.ServiceID, m.cfg.CommandCharID, []byte(`{"cmd":"mtu","value":185}`)); err != nil {
		m.logger.Warn("mtu negotiation failed", zap.String("device_id", deviceID), zap.Error(err))
	}

	device := m.deviceByID(deviceID)

	m.mu.Lock()
	m.state = StateConnected
	m.device = &device
	m.conn = conn
	m.mu.Unlock()
	m.notify()

	err := conn.Subscribe(m.cfg.ServiceID, m.cfg.TelemetryCharID, func(payload []byte) {
		select {
		case m.frames <- frameMsg{payload: payload, at: time.Now().UTC()}:
		default:
			m.logger.Warn("telemetry queue full, frame dropped", zap.String("device_id", deviceID))
		}
	})
	if err != nil {
		return fmt.Errorf("session: subscribe telemetry: %w", err)
	}

	if err := m.store.Set(lastDeviceKey, []byte(deviceID)); err != nil {
		m.logger.Warn("persist last device failed", zap.Error(err))
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.connecting = false
	m.state = StateMonitoring
	m.monitorCancel = cancel
	m.mu.Unlock()
	m.notify()
	m.notifyMonitoring(true)

	go m.livenessLoop(monitorCtx, deviceID)
	return nil
}

func (m *Manager) deviceByID(deviceID string) model.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.found {
		if d.ID == deviceID {
			return d
		}
	}
	return model.Device{ID: deviceID}
}

// livenessLoop polls the link and reports a lost connection exactly once.
func (m *Manager) livenessLoop(ctx context.Context, deviceID string) {
	ticker := time.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.adapter.IsConnected(deviceID) {
				m.handleLinkLoss(deviceID)
				return
			}
		}
	}
}

func (m *Manager) handleLinkLoss(deviceID string) {
	m.mu.Lock()
	if m.state != StateMonitoring && m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.device = nil
	m.state = StateDisconnected
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.calc.Reset()
	m.logger.Info("device link lost", zap.String("device_id", deviceID))
	m.notify()
	m.notifyMonitoring(false)
}

// Disconnect aborts any in-flight activity and returns the session to Idle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasLive := m.state == StateMonitoring || m.state == StateConnected
	conn := m.conn
	m.conn = nil
	m.device = nil
	m.connecting = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	m.state = StateIdle
	m.lastReading = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.calc.Reset()
	m.notify()
	if wasLive {
		m.notifyMonitoring(false)
	}
}

// WriteCommand sends a text command to the device. Valid only while a
// connection is live.
func (m *Manager) WriteCommand(text string) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || (state != StateMonitoring && state != StateConnected) {
		return fmt.Errorf("%w: write from %s", ErrInvalidState, state)
	}
	return conn.Write(m.cfg.ServiceID, m.cfg.CommandCharID, []byte(text))
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       m.state,
		IsScanning:  m.state == StateScanning,
		IsConnected: m.state == StateConnected || m.state == StateMonitoring,
		LastError:   m.lastError,
	}
	if m.device != nil {
		d := *m.device
		snap.Device = &d
	}
	snap.FoundDevices = append([]model.Device(nil), m.found...)
	if m.lastReading != nil {
		if m.lastReading.BatteryPct != nil {
			v := *m.lastReading.BatteryPct
			snap.BatteryPct = &v
		}
		if m.lastReading.VolumeMl != nil {
			v := *m.lastReading.VolumeMl
			snap.VolumeMl = &v
		}
	}
	return snap
}

// CurrentDevice returns the connected device id, or the persisted last-known
// id when no session is live. The reconciler uses it as its sync target.
func (m *Manager) CurrentDevice() (string, bool) {
	m.mu.Lock()
	if m.device != nil {
		id := m.device.ID
		m.mu.Unlock()
		return id, true
	}
	m.mu.Unlock()

	data, found, err := m.store.Get(lastDeviceKey)
	if err != nil || !found || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func (m *Manager) notify() {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	for _, obs := range observers {
		obs(snap)
	}
}

func (m *Manager) notifyMonitoring(active bool) {
	m.mu.Lock()
	listeners := append([]MonitoringListener(nil), m.monitorers...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(active)
	}
}
