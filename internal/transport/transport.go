// Package transport maintains a single serialized TCP session to the
// controller, grounded on the original Python client/transport.py's
// connect/retry/reconnect algorithm.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BB-84C/nanonis-bridge/common/id"
)

// introspectionCommand is the reference codec's command for listing every
// command name the simulated backend recognizes. A vendor-specific codec
// may implement AvailableCommands differently.
const introspectionCommand = "System.ListCommands"

// CommandResponse is the result of a successful Call.
type CommandResponse struct {
	Command string
	Method  string
	Payload []WireValue
	Value   *WireValue
}

// HealthReport summarizes session state for diagnostics.
type HealthReport struct {
	Connected bool
	Endpoint  string
	LatencyMS *float64
	Details   map[string]any
}

// Config controls connection establishment and retry behaviour.
type Config struct {
	Host         string
	Ports        []int
	Timeout      time.Duration
	RetryCount   int
	ProbeCommand string
}

// Transport maintains one serialized session to the controller. All
// exported methods are safe for concurrent use; calls are serialized
// internally via mu, mirroring the original's RLock-guarded client.
type Transport struct {
	cfg   Config
	codec frameCodec

	mu            sync.Mutex
	conn          net.Conn
	reader        *bufio.Reader
	activePort    int
	sessionID     int64
	lastLatencyMS *float64
	lastError     string
}

// New validates cfg and constructs a Transport using codec for wire framing.
// A nil codec selects the reference length-prefixed implementation.
func New(cfg Config, codec frameCodec) (*Transport, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("transport: host cannot be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("transport: timeout must be positive")
	}
	if cfg.RetryCount < 0 {
		return nil, fmt.Errorf("transport: retry count must be non-negative")
	}
	if len(cfg.Ports) == 0 {
		return nil, fmt.Errorf("transport: at least one port is required")
	}
	if cfg.ProbeCommand == "" {
		cfg.ProbeCommand = "Bias.Get"
	}
	cfg.Host = host
	if codec == nil {
		codec = newLengthPrefixedCodec()
	}
	return &Transport{cfg: cfg, codec: codec}, nil
}

// Endpoint returns "host:port" for the active session, or "" if disconnected.
func (t *Transport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpointLocked()
}

func (t *Transport) endpointLocked() string {
	if t.conn == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", t.cfg.Host, t.activePort)
}

// Connect establishes the session if not already connected. Idempotent.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked(ctx)
}

func (t *Transport) connectLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	attemptsPerPort := t.cfg.RetryCount + 1
	var failures []string
	for _, port := range t.cfg.Ports {
		for attempt := 1; attempt <= attemptsPerPort; attempt++ {
			start := time.Now()
			dialer := net.Dialer{Timeout: t.cfg.Timeout}
			conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", t.cfg.Host, port))
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s:%d attempt %d: %v", t.cfg.Host, port, attempt, err))
				t.lastError = err.Error()
				if attempt < attemptsPerPort {
					time.Sleep(50 * time.Millisecond)
				}
				continue
			}

			reader := bufio.NewReader(conn)
			t.conn = conn
			t.reader = reader
			t.activePort = port

			if _, err := t.callLocked(ctx, t.cfg.ProbeCommand, nil, nil); err != nil {
				_ = conn.Close()
				t.conn = nil
				t.reader = nil
				failures = append(failures, fmt.Sprintf("%s:%d attempt %d: probe failed: %v", t.cfg.Host, port, attempt, err))
				t.lastError = err.Error()
				if attempt < attemptsPerPort {
					time.Sleep(50 * time.Millisecond)
				}
				continue
			}

			latency := time.Since(start).Seconds() * 1000.0
			t.lastLatencyMS = &latency
			t.lastError = ""
			t.sessionID = id.New()
			return nil
		}
	}

	summary := "no attempts were made"
	if len(failures) > 0 {
		tail := failures
		if len(tail) > 5 {
			tail = tail[len(tail)-5:]
		}
		summary = strings.Join(tail, " | ")
	}
	return &ConnectionError{Endpoint: t.cfg.Host, Cause: fmt.Errorf("failed to connect on any of %v. Last failures: %s", t.cfg.Ports, summary)}
}

// Close terminates the session. Idempotent; safe to call when disconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	t.activePort = 0
	return err
}

// Call encodes args in the sequence given by order, sends the wire frame, and
// returns the decoded response. Names are matched exactly: a name in order
// with no entry in args fails as InvalidArgument, and entries of args that
// order does not name are not sent. An implicit Connect is triggered from
// Disconnected.
func (t *Transport) Call(ctx context.Context, command string, args map[string]WireValue, order []string) (CommandResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if err := t.connectLocked(ctx); err != nil {
			return CommandResponse{}, err
		}
	}

	attempts := t.cfg.RetryCount + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := t.callLocked(ctx, command, args, order)
		if err == nil {
			t.lastError = ""
			return resp, nil
		}

		lastErr = err
		t.lastError = err.Error()

		var connErr *ConnectionError
		var timeoutErr *TimeoutError
		if !errors.As(err, &connErr) && !errors.As(err, &timeoutErr) {
			return CommandResponse{}, err
		}
		if attempt >= attempts {
			return CommandResponse{}, err
		}
		_ = t.closeLocked()
		if err := t.connectLocked(ctx); err != nil {
			return CommandResponse{}, err
		}
	}
	return CommandResponse{}, lastErr
}

// callLocked performs exactly one request/response round trip. Callers hold mu.
func (t *Transport) callLocked(ctx context.Context, command string, args map[string]WireValue, order []string) (CommandResponse, error) {
	if t.conn == nil {
		return CommandResponse{}, &ConnectionError{Endpoint: t.cfg.Host, Cause: fmt.Errorf("no active session")}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(deadline)
	} else {
		_ = t.conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	frame, err := t.codec.encode(command, args, order)
	if err != nil {
		return CommandResponse{}, &InvalidArgument{Command: command, Message: err.Error()}
	}

	if _, err := t.conn.Write(frame); err != nil {
		if isTimeout(err) {
			return CommandResponse{}, &TimeoutError{Command: command, Cause: err}
		}
		return CommandResponse{}, &ConnectionError{Endpoint: t.endpointLocked(), Cause: err}
	}

	env, err := t.codec.decode(t.reader)
	if err != nil {
		if isTimeout(err) {
			return CommandResponse{}, &TimeoutError{Command: command, Cause: err}
		}
		var opErr *net.OpError
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &opErr) {
			return CommandResponse{}, &ConnectionError{Endpoint: t.endpointLocked(), Cause: err}
		}
		return CommandResponse{}, &ProtocolError{Command: command, Message: err.Error()}
	}

	if env.errorString != "" {
		return CommandResponse{}, &ControllerError{Command: command, Text: env.errorString}
	}

	resp := CommandResponse{Command: command, Method: command, Payload: env.payload}
	if len(env.payload) == 1 {
		v := env.payload[0]
		resp.Value = &v
	}
	return resp, nil
}

// AvailableCommands returns the sorted, optionally substring-filtered list
// of command names the active session recognizes.
func (t *Transport) AvailableCommands(ctx context.Context, match string) ([]string, error) {
	resp, err := t.Call(ctx, introspectionCommand, nil, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Payload))
	for _, v := range resp.Payload {
		name := v.String()
		if match == "" || strings.Contains(name, match) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Version returns a human-readable backend tag for the reference codec.
func (t *Transport) Version() string {
	return "nanonis-bridge-reference/1"
}

// Health reports current session state for diagnostics.
func (t *Transport) Health() HealthReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return HealthReport{
		Connected: t.conn != nil,
		Endpoint:  t.endpointLocked(),
		LatencyMS: t.lastLatencyMS,
		Details: map[string]any{
			"host":           t.cfg.Host,
			"candidate_ports": t.cfg.Ports,
			"active_port":    t.activePort,
			"retry_count":    t.cfg.RetryCount,
			"timeout_s":      t.cfg.Timeout.Seconds(),
			"last_error":     t.lastError,
			"session_id":     t.sessionID,
		},
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var te timeouter
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}
