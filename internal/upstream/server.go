package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpmux/mcpmux/internal/framing"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

// State is a point in an UpstreamServer's lifecycle:
//
//	new -> starting -> initialized -> running <-> unhealthy -> restarting -> stopping -> stopped
type State int

const (
	StateNew State = iota
	StateStarting
	StateInitialized
	StateRunning
	StateUnhealthy
	StateRestarting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
	// stabilityWindow is how long an upstream must run without a health
	// failure before the restart backoff resets to baseBackoff.
	stabilityWindow = 5 * time.Minute
)

// Config bounds one upstream's process lifecycle and request timing.
type Config struct {
	Command              string
	Args                 []string
	Env                  map[string]string
	Framing              framing.Mode
	StartupTimeout       time.Duration
	ShutdownGrace        time.Duration
	ResponseTimeout      time.Duration
	HealthcheckInterval  time.Duration
	HealthcheckTimeout   time.Duration
}

// Handlers receives messages the upstream originates on its own: requests
// that need the client's attention (sampling, elicitation) and
// notifications (progress, list-changed). The router supplies these; the
// upstream package has no dependency on the router.
type Handlers struct {
	OnRequest      func(serverID string, raw []byte)
	OnNotification func(serverID string, raw []byte)
	// OnRestart, if set, is called every time this upstream begins a
	// restart attempt (health-check failure or process exit). Optional;
	// the router wires it to a restart counter.
	OnRestart func(serverID string)
}

type pendingCall struct {
	resultCh chan callResult
	timer    *time.Timer
}

type callResult struct {
	result jsonrpc.RawValue
	rpcErr *jsonrpc.Error
	err    error
}

// Server supervises one configured upstream's child process across
// restarts: the initialize handshake, request/response correlation,
// periodic health probing, and exponential-backoff recovery.
type Server struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	handlers Handlers

	mu           sync.Mutex
	state        State
	proc         *Process
	stream       *framing.Stream
	pending      map[int64]*pendingCall
	capabilities jsonrpc.RawValue
	serverInfo   jsonrpc.RawValue
	initParams   jsonrpc.RawValue
	retries      int
	healthySince time.Time

	nextID atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewServer constructs a Server in StateNew. Start must be called before
// any request can be dispatched to it.
func NewServer(id string, cfg Config, logger *slog.Logger, handlers Handlers) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		id:       id,
		cfg:      cfg,
		logger:   logger.With("server_id", id),
		handlers: handlers,
		pending:  make(map[int64]*pendingCall),
	}
}

// ID returns the configured identifier for this upstream.
func (s *Server) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the capabilities object from the upstream's
// initialize response.
func (s *Server) Capabilities() jsonrpc.RawValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// ServerInfo returns the serverInfo object from the upstream's initialize
// response.
func (s *Server) ServerInfo() jsonrpc.RawValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start spawns the child process, performs the initialize handshake using
// initParams (the client's own initialize params, with clientInfo.name
// suffixed "-through-proxy"), and launches the receive, stderr, and health
// pumps. If the child dies or fails to complete the handshake within
// StartupTimeout, Start returns an error and leaves the server stopped.
func (s *Server) Start(ctx context.Context, initParams jsonrpc.RawValue) error {
	s.setState(StateStarting)
	s.initParams = initParams

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.runCancel = cancel

	if err := s.spawn(runCtx); err != nil {
		cancel()
		s.setState(StateStopped)
		return err
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer hsCancel()
	if err := s.handshake(hsCtx); err != nil {
		s.teardownProcess()
		cancel()
		s.setState(StateStopped)
		return fmt.Errorf("upstream %s: handshake: %w", s.id, err)
	}

	s.setState(StateRunning)
	s.healthySince = time.Now()

	s.wg.Add(1)
	go s.healthLoop(runCtx)

	return nil
}

// spawn starts the child process and its pumps. Does not perform the
// initialize handshake.
func (s *Server) spawn(runCtx context.Context) error {
	proc := NewProcess(s.cfg.Command, s.cfg.Args, s.cfg.Env)
	stdin, stdout, stderr, err := proc.Start(runCtx)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	s.mu.Lock()
	s.proc = proc
	s.stream = framing.New(stdout, stdin, s.cfg.Framing, s.logger)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.receivePump(runCtx)
	go s.stderrPump(stderr)
	return nil
}

func (s *Server) handshake(ctx context.Context) error {
	result, rpcErr, err := s.Request(ctx, "initialize", s.initParams)
	if err != nil {
		return err
	}
	if rpcErr != nil {
		return fmt.Errorf("initialize rejected: %s (code %d)", rpcErr.Message, rpcErr.Code)
	}

	var hello struct {
		Capabilities jsonrpc.RawValue `json:"capabilities"`
		ServerInfo   jsonrpc.RawValue `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &hello); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}

	s.mu.Lock()
	s.capabilities = hello.Capabilities
	s.serverInfo = hello.ServerInfo
	s.mu.Unlock()
	s.setState(StateInitialized)

	return s.Notify("notifications/initialized", nil)
}

// Request sends a call to the upstream and blocks for its response, bounded
// by ctx and ResponseTimeout (whichever is sooner). It is safe for
// concurrent use.
func (s *Server) Request(ctx context.Context, method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return nil, nil, fmt.Errorf("upstream %s: %w", s.id, errUpstreamUnavailable)
	}

	id := s.nextID.Add(1)
	idRaw := jsonrpc.RawValue(strconv.FormatInt(id, 10))

	raw, err := jsonrpc.BuildRequest(idRaw, method, params)
	if err != nil {
		return nil, nil, err
	}

	timeout := s.cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	call := &pendingCall{resultCh: make(chan callResult, 1)}

	s.mu.Lock()
	s.pending[id] = call
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := stream.Write(raw); err != nil {
		return nil, nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.resultCh:
		return res.result, res.rpcErr, res.err
	case <-timer.C:
		return nil, nil, fmt.Errorf("upstream %s: %s: %w", s.id, method, errRequestTimeout)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

var errRequestTimeout = errors.New("timed out waiting for upstream response")

// errUpstreamUnavailable marks a call that failed because the upstream
// disconnected or was restarting, as opposed to one that simply ran past
// its deadline.
var errUpstreamUnavailable = errors.New("upstream unavailable")

// IsTimeout reports whether err was produced by a Request timing out,
// distinguishing it from a transport failure for the caller's error-code
// mapping (CodeUpstreamTimeout vs CodeUpstreamTransport).
func IsTimeout(err error) bool {
	return errors.Is(err, errRequestTimeout)
}

// IsUnavailable reports whether err was produced by the upstream being down
// or mid-restart rather than a request timing out.
func IsUnavailable(err error) bool {
	return errors.Is(err, errUpstreamUnavailable)
}

// Notify sends a notification (no response expected) to the upstream.
func (s *Server) Notify(method string, params jsonrpc.RawValue) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return errors.New("upstream not started")
	}
	raw, err := jsonrpc.BuildNotification(method, params)
	if err != nil {
		return err
	}
	return stream.Write(raw)
}

// Reply forwards a client response back to the upstream. It does not
// rewrite the id: raw must already carry the upstream's original request
// id (the router restores it), and it is written verbatim.
func (s *Server) Reply(raw []byte) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return errors.New("upstream not started")
	}
	return stream.Write(raw)
}

func (s *Server) receivePump(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream == nil {
			return
		}

		raw, err := stream.Read()
		if err != nil {
			if errors.Is(err, framing.ErrClosed) {
				s.logger.Info("upstream stream closed")
				s.onDisconnect()
				return
			}
			s.logger.Warn("malformed frame from upstream", "error", err)
			continue
		}

		msg, err := jsonrpc.Wrap(raw)
		if err != nil {
			s.logger.Warn("malformed message from upstream", "error", err)
			continue
		}

		switch msg.Kind {
		case jsonrpc.KindResponse:
			s.deliverResponse(msg)
		case jsonrpc.KindRequest:
			if s.handlers.OnRequest != nil {
				s.handlers.OnRequest(s.id, raw)
			}
		case jsonrpc.KindNotification:
			if s.handlers.OnNotification != nil {
				s.handlers.OnNotification(s.id, raw)
			}
		default:
			s.logger.Warn("unclassifiable message from upstream", "raw", string(raw))
		}
	}
}

func (s *Server) deliverResponse(msg *jsonrpc.Message) {
	var id int64
	if err := json.Unmarshal(msg.RawID(), &id); err != nil {
		s.logger.Warn("response with non-numeric id", "error", err)
		return
	}

	s.mu.Lock()
	call, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("response for unknown or expired call", "id", id)
		return
	}

	resp := msg.Response()
	result := callResult{}
	if resp.Error != nil {
		result.rpcErr = jsonrpc.FromWireError(resp.Error)
	} else {
		result.result = jsonrpc.RawValue(resp.Result)
	}

	select {
	case call.resultCh <- result:
	default:
	}
}

func (s *Server) stderrPump(stderr io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		s.logger.Info("upstream stderr", "line", scanner.Text())
	}
}

func (s *Server) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.HealthcheckInterval
	if interval <= 0 {
		return // health checks disabled
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() == StateStopping || s.State() == StateStopped {
				return
			}
			s.probe(ctx)
		}
	}
}

func (s *Server) probe(ctx context.Context) {
	timeout := s.cfg.HealthcheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, rpcErr, err := s.Request(pingCtx, "ping", nil)
	if err != nil || rpcErr != nil {
		s.logger.Warn("health check failed, restarting upstream", "error", err, "rpc_error", rpcErr)
		s.restart(ctx)
		return
	}

	if time.Since(s.healthySince) >= stabilityWindow {
		s.mu.Lock()
		s.retries = 0
		s.mu.Unlock()
	}
}

func (s *Server) restart(ctx context.Context) {
	if st := s.State(); st == StateStopping || st == StateStopped {
		return
	}
	s.setState(StateUnhealthy)
	s.failAllPending(fmt.Errorf("upstream %s: %w", s.id, errUpstreamUnavailable))
	s.teardownProcess()

	if s.handlers.OnRestart != nil {
		s.handlers.OnRestart(s.id)
	}

	s.mu.Lock()
	retries := s.retries
	s.retries++
	s.mu.Unlock()

	delay := backoffDelay(retries)
	s.logger.Info("restarting upstream after backoff", "delay", delay, "attempt", retries+1)

	s.setState(StateRestarting)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	if st := s.State(); st == StateStopping || st == StateStopped {
		return
	}

	if err := s.spawn(s.runCtx); err != nil {
		s.logger.Error("restart spawn failed", "error", err)
		return
	}

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()
	if err := s.handshake(hsCtx); err != nil {
		s.logger.Error("restart handshake failed", "error", err)
		s.teardownProcess()
		return
	}

	s.setState(StateRunning)
	s.healthySince = time.Now()
}

func backoffDelay(retries int) time.Duration {
	d := baseBackoff
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (s *Server) failAllPending(cause error) {
	s.mu.Lock()
	calls := s.pending
	s.pending = make(map[int64]*pendingCall)
	s.mu.Unlock()

	for _, call := range calls {
		select {
		case call.resultCh <- callResult{err: cause}:
		default:
		}
	}
}

func (s *Server) teardownProcess() {
	s.mu.Lock()
	proc := s.proc
	s.stream = nil
	s.proc = nil
	s.mu.Unlock()
	if proc != nil {
		_ = proc.Close()
	}
}

func (s *Server) onDisconnect() {
	if s.State() == StateStopping || s.State() == StateStopped {
		return
	}
	s.restart(s.runCtx)
}

// Stop gracefully shuts down the upstream: a best-effort "shutdown" request
// bounded by ShutdownGrace, then process termination. Blocks until the
// receive, stderr, and health goroutines have exited.
func (s *Server) Stop(ctx context.Context) error {
	s.setState(StateStopping)

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	_, _, _ = s.Request(shutdownCtx, "shutdown", nil)
	cancel()

	s.failAllPending(fmt.Errorf("upstream %s: %w", s.id, errUpstreamUnavailable))
	s.teardownProcess()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.wg.Wait()
	s.setState(StateStopped)
	return nil
}
