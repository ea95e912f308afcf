// Package supervisor drives the agent's single WebSocket connection to
// the cloud service: dial, register, heartbeat, dispatch inbound tool
// requests, and reconnect with backoff on every drop except a revocation
// (close code 4010), which ends the loop. One
// instance runs per agent process, started from cmd/beakr-agentd and
// fed a root context.Context that bounds its entire lifetime.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thebeakr/desktop-agent/internal/audit"
	"github.com/thebeakr/desktop-agent/internal/config"
	"github.com/thebeakr/desktop-agent/internal/observability"
	"github.com/thebeakr/desktop-agent/internal/pathsafety"
	"github.com/thebeakr/desktop-agent/internal/protocol"
	"github.com/thebeakr/desktop-agent/internal/ratelimit"
	"github.com/thebeakr/desktop-agent/internal/state"
	"github.com/thebeakr/desktop-agent/internal/storage"
	"github.com/thebeakr/desktop-agent/internal/tools"
)

// requestBucketCapacity and requestBucketRefill bound how many tool
// requests the agent will service in a given window, independent of
// agent.max_concurrent_requests (which bounds concurrency, not rate).
const (
	requestBucketCapacity = 120
	requestBucketRefill   = time.Minute
)

// Close codes the server uses to signal terminal vs. fast-retry conditions.
// Named per the WebSocket spec's private-use range (4000-4999).
const (
	closeRevoked        = 4010 // token revoked, never reconnect automatically
	closeSessionExpired = 4011 // session expired, reconnect immediately, no backoff

	// closeLocalShutdown and closeLocalReconnect are not real WebSocket
	// close codes — they never travel over the wire. messageLoop returns
	// one of them to tell Run which local signal ended the connection, so
	// a ws_shutdown observed with no context cancellation can actually
	// exit the outer loop (per the agent's shutdown contract), while an
	// operator-requested reconnect can drop and re-establish the
	// connection without the full stop a ws_shutdown implies.
	closeLocalShutdown  = -1
	closeLocalReconnect = -2
)

// sessionExpiredGrace is the brief pause before a 4011 reconnect, giving the
// frontend a moment to supply a refreshed token in response to the
// token_refresh_needed event emitted just before it.
const sessionExpiredGrace = 500 * time.Millisecond

// EventObserver receives the named lifecycle events a UI layer subscribes
// to: ws:status_changed, tool:request_started, tool:request_completed,
// token_refresh_needed, token_invalid. Payload shape is event-specific and
// passed as a plain map to keep this interface stable as events are added.
type EventObserver func(event string, payload map[string]any)

// Supervisor is the connection state machine described in the design: one
// outer loop cycling Connecting -> Registering -> Connected, with
// Reconnecting/Disconnected/Revoked as its exits.
type Supervisor struct {
	cfg      config.ConnectionConfig
	appState *state.AppState
	tools    tools.Registry
	store    *storage.DB
	metrics  *observability.Metrics
	log      *zap.Logger

	deviceName      string
	platform        string
	platformVersion string
	appVersion      string
	devMode         bool

	observers []EventObserver

	dialer      *websocket.Dialer
	rng         *rand.Rand
	rateLimiter *ratelimit.Bucket
	auditChain  *audit.Chain

	// heartbeatInterval holds the live heartbeat interval as nanoseconds,
	// seeded from cfg.HeartbeatInterval and updatable via
	// SetHeartbeatInterval without touching cfg itself (cfg is read
	// elsewhere without synchronization and is otherwise immutable after
	// New).
	heartbeatInterval atomic.Int64
}

// New builds a Supervisor. devMode enables the unauthenticated dev-identity
// query-string fallback described in the design; it must never be set in a
// release build.
func New(
	cfg config.ConnectionConfig,
	appState *state.AppState,
	reg tools.Registry,
	store *storage.DB,
	metrics *observability.Metrics,
	log *zap.Logger,
	appVersion string,
	devMode bool,
) *Supervisor {
	s := &Supervisor{
		cfg:             cfg,
		appState:        appState,
		tools:           reg,
		store:           store,
		metrics:         metrics,
		log:             log,
		deviceName:      appState.DeviceName(),
		platform:        runtimePlatform(),
		platformVersion: osVersionProbe(),
		appVersion:      appVersion,
		devMode:         devMode,
		dialer:          &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		rateLimiter:     ratelimit.New(requestBucketCapacity, requestBucketRefill),
		auditChain:      audit.New(log),
	}
	s.heartbeatInterval.Store(int64(cfg.HeartbeatInterval))
	s.updateScopedFoldersMetric()
	return s
}

// SetHeartbeatInterval live-updates the heartbeat interval: the current
// connection's ticker picks it up after its next tick, and any future
// connection starts with it. d <= 0 is ignored — it never disables
// heartbeats. Safe to call concurrently with Run.
func (s *Supervisor) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.heartbeatInterval.Store(int64(d))
}

// currentHeartbeatInterval returns the live heartbeat interval, falling
// back to 45s if it was never set to a positive value.
func (s *Supervisor) currentHeartbeatInterval() time.Duration {
	if d := time.Duration(s.heartbeatInterval.Load()); d > 0 {
		return d
	}
	return 45 * time.Second
}

// updateScopedFoldersMetric sets the scoped-folder-count gauge to the
// current scope. Called at construction and whenever the scope changes.
func (s *Supervisor) updateScopedFoldersMetric() {
	if s.metrics == nil {
		return
	}
	s.metrics.ScopedFoldersCount.Set(float64(len(s.appState.ScopedFolders())))
}

// Close releases resources Run does not own outright, namely the rate
// limiter's refill goroutine. Call it once after Run returns.
func (s *Supervisor) Close() {
	s.rateLimiter.Close()
}

// OnEvent registers an observer for the supervisor's named lifecycle events.
func (s *Supervisor) OnEvent(obs EventObserver) {
	s.observers = append(s.observers, obs)
}

func (s *Supervisor) emit(event string, payload map[string]any) {
	for _, obs := range s.observers {
		obs(event, payload)
	}
}

func runtimePlatform() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	case "windows":
		return "windows"
	default:
		return "linux"
	}
}

// osVersionProbe is a best-effort OS version string; absence is tolerated
// by the registration frame (PlatformVersion is omitempty).
func osVersionProbe() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Run executes the outer connect/register/serve/backoff loop until ctx is
// cancelled, ws_shutdown is raised, or the server revokes the device
// (close code 4010). Returns nil on a clean shutdown, or the terminal
// error on revocation. An operator-requested reconnect (the distinct
// reconnect signal) drops the current connection and loops back to
// Connecting without exiting.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			s.transition(state.StatusDisconnected)
			return nil
		}

		s.transition(state.StatusConnecting)
		conn, _, err := s.connect(ctx)
		if err != nil {
			s.log.Warn("supervisor: connect failed", zap.Error(err), zap.Int("attempt", attempt))
			if stop := s.settle(ctx, 0, &attempt); stop {
				return nil
			}
			continue
		}

		deviceID, closeCode, err := s.registerHandshake(ctx, conn)
		if err != nil {
			_ = conn.Close()
			s.log.Warn("supervisor: registration failed", zap.Error(err), zap.Int("attempt", attempt))
			if revoked, stop := s.settleOrRevoke(ctx, closeCode, &attempt); revoked {
				return fmt.Errorf("supervisor: device registration revoked")
			} else if stop {
				return nil
			}
			continue
		}

		s.appState.SetDeviceID(deviceID)
		s.transition(state.StatusConnected)
		attempt = 0
		s.log.Info("supervisor: registered", zap.String("device_id", deviceID))

		closeCode, err = s.messageLoop(ctx, conn)
		_ = conn.Close()
		s.appState.SetDeviceID("")

		if err != nil {
			s.log.Warn("supervisor: connection dropped", zap.Error(err), zap.Int("close_code", closeCode))
		}

		if closeCode == closeLocalShutdown {
			s.transition(state.StatusDisconnected)
			return nil
		}

		if closeCode == closeLocalReconnect {
			attempt = 0
			s.log.Info("supervisor: reconnecting at operator request")
			continue
		}

		if ctx.Err() != nil {
			s.transition(state.StatusDisconnected)
			return nil
		}

		if revoked, stop := s.settleOrRevoke(ctx, closeCode, &attempt); revoked {
			return fmt.Errorf("supervisor: device registration revoked")
		} else if stop {
			return nil
		}
	}
}

// settleOrRevoke handles the three possible outcomes of a dropped
// connection: terminal revocation (4010), fast reconnect (4011, no
// backoff), or the general exponential-backoff case. Returns revoked=true
// only for 4010; stop=true means Run should return (shutdown observed).
func (s *Supervisor) settleOrRevoke(ctx context.Context, closeCode int, attempt *int) (revoked, stop bool) {
	if closeCode == closeRevoked {
		s.emit("token_invalid", nil)
		s.transition(state.StatusRevoked)
		return true, false
	}
	if closeCode == closeSessionExpired {
		s.transition(state.StatusReconnecting)
		*attempt = 0
		s.emit("token_refresh_needed", nil)
		return false, s.interruptibleSleep(ctx, sessionExpiredGrace)
	}
	return false, s.settle(ctx, closeCode, attempt)
}

// settle is the general backoff-and-wait path shared by every non-terminal,
// non-fast-retry disconnect.
func (s *Supervisor) settle(ctx context.Context, closeCode int, attempt *int) bool {
	return s.waitBackoff(ctx, attempt, closeCode)
}

// transition sets the status and emits ws:status_changed. Status changes
// are cheap and observer-driven: every interested party (metrics, the
// operator socket, the log) reacts to the event rather than polling.
func (s *Supervisor) transition(status state.ConnectionStatus) {
	from := s.appState.Status()
	s.appState.SetStatus(status)
	if s.metrics != nil {
		s.metrics.ConnectionStateTransitionsTotal.WithLabelValues(string(from), string(status)).Inc()
		s.metrics.WSStatus.Set(wsStatusValue(status))
	}
	s.emit("ws:status_changed", map[string]any{"status": string(status)})
}

// wsStatusValue maps a connection status to the numeric gauge value the
// beakr_agent_ws_status metric exposes.
func wsStatusValue(status state.ConnectionStatus) float64 {
	switch status {
	case state.StatusDisconnected:
		return 0
	case state.StatusConnecting:
		return 1
	case state.StatusConnected:
		return 2
	case state.StatusReconnecting:
		return 3
	case state.StatusRevoked:
		return 4
	default:
		return -1
	}
}

// waitBackoff transitions to Reconnecting, emits token_refresh_needed, and
// sleeps for the exponential-backoff-with-jitter delay computed from
// attempt, incrementing attempt on return. Returns true if ctx was
// cancelled or shutdown was raised during the wait (caller should exit).
func (s *Supervisor) waitBackoff(ctx context.Context, attempt *int, closeCode int) bool {
	s.transition(state.StatusReconnecting)
	s.emit("token_refresh_needed", nil)
	if s.metrics != nil {
		s.metrics.ReconnectAttemptsTotal.Inc()
	}

	delay := s.backoffDelay(*attempt)
	*attempt++
	if s.metrics != nil {
		s.metrics.CurrentBackoffSeconds.Set(delay.Seconds())
	}
	s.log.Info("supervisor: backing off before reconnect",
		zap.Duration("delay", delay), zap.Int("attempt", *attempt), zap.Int("close_code", closeCode))
	return s.interruptibleSleep(ctx, delay)
}

// backoffDelay computes min(InitialBackoff * BackoffMultiplier^attempt,
// MaxBackoff) * uniform(0.8, 1.2).
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	base := float64(s.cfg.InitialBackoff) * math.Pow(s.cfg.BackoffMultiplier, float64(attempt))
	if max := float64(s.cfg.MaxBackoff); max > 0 && base > max {
		base = max
	}
	jitter := 0.8 + s.rng.Float64()*0.4
	return time.Duration(base * jitter)
}

// interruptibleSleep waits for d, returning early (true) if ctx is
// cancelled or ws_shutdown is raised.
func (s *Supervisor) interruptibleSleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	case <-s.appState.ShutdownSignal():
		return true
	}
}

// connect dials the configured server URL, attaching the auth token as a
// WebSocket subprotocol when present, or — in development builds only —
// falling back to an unauthenticated dev-identity query string.
func (s *Supervisor) connect(ctx context.Context) (*websocket.Conn, int, error) {
	u, header, err := s.dialTarget()
	if err != nil {
		return nil, 0, err
	}

	conn, resp, err := s.dialer.DialContext(ctx, u, header)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		return nil, code, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, 0, nil
}

func (s *Supervisor) dialTarget() (string, http.Header, error) {
	token := s.appState.AuthToken()
	header := http.Header{}
	header.Set("User-Agent", "BeakrDesktop/"+s.appVersion)

	if token != "" {
		header.Set("Sec-WebSocket-Protocol", fmt.Sprintf("beakr-v1, bearer.%s", token))
		return s.cfg.ServerURL, header, nil
	}

	if s.devMode {
		parsed, err := url.Parse(s.cfg.ServerURL)
		if err != nil {
			return "", nil, fmt.Errorf("parse server_url: %w", err)
		}
		q := parsed.Query()
		q.Set("identity_id", "dev_local")
		q.Set("email", "dev@localhost")
		q.Set("identity_name", s.deviceName)
		q.Set("display_name", s.deviceName)
		parsed.RawQuery = q.Encode()
		return parsed.String(), header, nil
	}

	return "", nil, fmt.Errorf("no auth token available")
}

// registerHandshake sends the register frame and waits (bounded by
// HandshakeTimeout) for the server's "registered" reply. A close frame
// received at this stage is reported via its code, not as a bare error.
func (s *Supervisor) registerHandshake(ctx context.Context, conn *websocket.Conn) (deviceID string, closeCode int, err error) {
	frame := protocol.NewRegisterFrame(
		s.deviceName, s.platform, s.appState.ScopedFolders(),
		s.platformVersion, s.appVersion,
	)
	data, err := protocol.Encode(frame)
	if err != nil {
		return "", 0, fmt.Errorf("encode register frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", 0, fmt.Errorf("write register frame: %w", err)
	}

	timeout := s.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		if code, ok := closeCodeOf(err); ok {
			return "", code, fmt.Errorf("registration closed: %w", err)
		}
		return "", 0, fmt.Errorf("read registration reply: %w", err)
	}
	if msgType != websocket.TextMessage {
		return "", 0, fmt.Errorf("registration reply: unexpected frame type %d", msgType)
	}

	typ, err := protocol.PeekType(raw)
	if err != nil {
		return "", 0, err
	}
	if typ != protocol.TypeRegistered {
		return "", 0, fmt.Errorf("registration reply: expected %q, got %q", protocol.TypeRegistered, typ)
	}

	reg, err := protocol.DecodeRegistered(raw)
	if err != nil {
		return "", 0, err
	}
	return reg.DeviceID, 0, nil
}

// inboundMessage is what the reader goroutine pushes to the message loop.
type inboundMessage struct {
	msgType int
	data    []byte
	err     error
	closed  bool
	code    int
}

// messageLoop runs the cooperative select over the heartbeat timer, the
// inbound frame reader, and the control signals, while Connected. Returns
// the close code observed: a real WebSocket close code, 0 for none, or
// one of the closeLocal* sentinels when a local signal ended the
// connection.
func (s *Supervisor) messageLoop(ctx context.Context, conn *websocket.Conn) (int, error) {
	inbound := make(chan inboundMessage, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				code, ok := closeCodeOf(err)
				select {
				case inbound <- inboundMessage{err: err, closed: ok, code: code}:
				case <-done:
				}
				return
			}
			select {
			case inbound <- inboundMessage{msgType: msgType, data: data}:
			case <-done:
				return
			}
		}
	}()

	interval := s.currentHeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	// A Go ticker first fires one interval after creation, so there is no
	// immediate tick to absorb and no opening double-send.

	for {
		select {
		case <-ticker.C:
			if err := s.sendHeartbeat(conn); err != nil {
				return 0, fmt.Errorf("send heartbeat: %w", err)
			}
			if next := s.currentHeartbeatInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}

		case msg := <-inbound:
			if msg.err != nil {
				if msg.closed {
					return msg.code, msg.err
				}
				return 0, msg.err
			}
			if msg.msgType != websocket.TextMessage {
				continue
			}
			if err := s.handleInbound(ctx, conn, msg.data); err != nil {
				s.log.Warn("supervisor: inbound frame handling error", zap.Error(err))
			}

		case <-s.appState.FoldersChangedSignal():
			s.updateScopedFoldersMetric()
			if err := s.sendUpdateFolders(conn); err != nil {
				return 0, fmt.Errorf("send update_folders: %w", err)
			}

		case <-s.appState.ReconnectSignal():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return closeLocalReconnect, nil

		case <-s.appState.ShutdownSignal():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return closeLocalShutdown, nil

		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return 0, nil
		}
	}
}

func (s *Supervisor) sendHeartbeat(conn *websocket.Conn) error {
	data, err := protocol.Encode(protocol.NewHeartbeatFrame())
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.HeartbeatsSentTotal.Inc()
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Supervisor) sendUpdateFolders(conn *websocket.Conn) error {
	data, err := protocol.Encode(protocol.NewUpdateFoldersFrame(s.appState.ScopedFolders()))
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleInbound parses and dispatches a single inbound text frame. Unknown
// frame types are logged and dropped without closing the connection, per
// the codec's contract.
func (s *Supervisor) handleInbound(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	typ, err := protocol.PeekType(raw)
	if err != nil {
		s.log.Warn("supervisor: malformed inbound frame", zap.Error(err))
		return nil
	}

	switch typ {
	case protocol.TypeRequest:
		return s.handleRequest(ctx, conn, raw)
	default:
		s.log.Debug("supervisor: ignoring unknown inbound frame type", zap.String("type", typ))
		return nil
	}
}

func (s *Supervisor) handleRequest(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		s.log.Warn("supervisor: malformed request frame", zap.Error(err))
		return nil
	}

	s.emit("tool:request_started", map[string]any{"request_id": req.RequestID, "tool": req.Tool, "params": req.Params})
	start := time.Now()

	// Names outside the registry share one label value, so the server
	// cannot grow metric cardinality by sending made-up tool names.
	toolLabel := req.Tool
	if _, known := s.tools[req.Tool]; !known {
		toolLabel = "unknown"
	}

	if !s.rateLimiter.ConsumeForTool(req.Tool, ratelimit.DefaultCosts) {
		s.log.Warn("supervisor: request rejected by rate limiter", zap.String("tool", req.Tool), zap.String("request_id", req.RequestID))
		if s.metrics != nil {
			s.metrics.RequestsHandledTotal.WithLabelValues(toolLabel, "rate_limited").Inc()
		}
		s.recordActivity(req, tools.Result{}, fmt.Errorf("rate limit exceeded, try again shortly"))
		s.emit("tool:request_completed", map[string]any{
			"request_id": req.RequestID, "tool": req.Tool, "status": "rate_limited",
		})
		resp := protocol.NewErrorResponse(req.RequestID, "rate limit exceeded, try again shortly")
		data, err := protocol.Encode(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	scope := s.appState.ScopedFolders()
	result, toolErr := tools.Dispatch(ctx, s.tools, req.Tool, req.Params, scope)

	elapsed := time.Since(start)
	outcome := "ok"
	var resp protocol.ResponseFrame
	if toolErr != nil {
		outcome = "error"
		resp = protocol.NewErrorResponse(req.RequestID, toolErr.Error())
	} else {
		resp = protocol.NewSuccessResponse(req.RequestID, result.Data, result.BytesTransferred)
	}

	if s.metrics != nil {
		s.metrics.RequestsHandledTotal.WithLabelValues(toolLabel, outcome).Inc()
		s.metrics.RequestLatencySeconds.WithLabelValues(toolLabel).Observe(elapsed.Seconds())
		if result.BytesTransferred != nil {
			s.metrics.BytesTransferredTotal.WithLabelValues(toolLabel).Add(float64(*result.BytesTransferred))
		}
		if pathsafety.IsOutOfScope(toolErr) || pathsafety.IsDeniedErr(toolErr) {
			s.metrics.PathDeniedTotal.WithLabelValues(toolLabel).Inc()
		}
	}
	s.recordActivity(req, result, toolErr)

	s.emit("tool:request_completed", map[string]any{
		"request_id": req.RequestID, "tool": req.Tool, "status": outcome,
	})

	data, err := protocol.Encode(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Supervisor) recordActivity(req protocol.RequestFrame, result tools.Result, toolErr error) {
	if s.store == nil {
		return
	}
	entry := storage.ActivityEntry{
		Tool:             req.Tool,
		RequestID:        req.RequestID,
		Status:           "ok",
		BytesTransferred: result.BytesTransferred,
	}
	if toolErr != nil {
		entry.Status = "error"
		entry.Error = toolErr.Error()
	}
	entry.Time = time.Now().UTC()
	s.auditChain.Link(&entry)
	writeStart := time.Now()
	err := s.store.AppendActivity(entry)
	if s.metrics != nil {
		s.metrics.StorageWriteLatency.Observe(time.Since(writeStart).Seconds())
	}
	if err != nil {
		s.log.Warn("supervisor: failed to record activity", zap.Error(err))
		return
	}
	if s.metrics != nil {
		if n, err := s.store.CountActivity(); err == nil {
			s.metrics.StorageActivityEntries.Set(float64(n))
		}
	}
}

// closeCodeOf extracts the WebSocket close code from an error returned by
// conn.ReadMessage, if it is one.
func closeCodeOf(err error) (int, bool) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, true
	}
	return 0, false
}
