// Package router implements the client-facing dispatcher: capability
// aggregation, bidirectional ID remapping, cursor pagination, and the
// auth/rate-limit gate, fanning calls out to the registered UpstreamServer
// instances.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/auth"
	"github.com/mcpmux/mcpmux/internal/domain/policy"
	"github.com/mcpmux/mcpmux/internal/domain/ratelimit"
	"github.com/mcpmux/mcpmux/internal/framing"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/internal/registry"
	"github.com/mcpmux/mcpmux/internal/telemetry"
	"github.com/mcpmux/mcpmux/internal/upstream"
)

const proxyServerName = "mcpmux"

// ProxyVersion is the proxy's own serverInfo.version, reported in the
// aggregated initialize response.
const ProxyVersion = "0.1.0"

// upstreamDispatcher is the subset of *upstream.Server the Router actually
// calls. Depending on an interface rather than the concrete type keeps
// Router testable with a fake and keeps this package from caring about
// process-level lifecycle details it doesn't own.
type upstreamDispatcher interface {
	ID() string
	State() upstream.State
	Capabilities() jsonrpc.RawValue
	Start(ctx context.Context, initParams jsonrpc.RawValue) error
	Request(ctx context.Context, method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error)
	Notify(method string, params jsonrpc.RawValue) error
	Reply(raw []byte) error
	Stop(ctx context.Context) error
}

var _ upstreamDispatcher = (*upstream.Server)(nil)

// upstreamRef pairs a client-visible ID with the upstream request it must
// be rewritten back to.
type upstreamRef struct {
	serverID   string
	originalID jsonrpc.RawValue
}

// Router owns every configured UpstreamServer and the single client
// FrameStream for the lifetime of one session.
type Router struct {
	namer           registry.Namer
	authGate        *auth.Gate
	limiter         *ratelimit.Limiter
	policy          policy.Evaluator // nil disables the policy gate entirely
	responseTimeout time.Duration
	logger          *slog.Logger
	levelVar        *slog.LevelVar
	metrics         *telemetry.Metrics // nil disables metrics recording

	mu            sync.RWMutex
	upstreamOrder []string
	upstreams     map[string]upstreamDispatcher

	tools     *registry.Registry
	prompts   *registry.Registry
	resources *registry.Registry
	templates *registry.Registry

	clientSeq      atomic.Int64
	pendingMu      sync.Mutex
	pendingClients map[string]upstreamRef

	client *framing.Stream
}

// Config bundles the pieces NewRouter needs beyond the upstream set.
type Config struct {
	Namer           registry.Namer
	AuthGate        *auth.Gate
	Limiter         *ratelimit.Limiter
	Policy          policy.Evaluator
	ResponseTimeout time.Duration
	Logger          *slog.Logger
	LevelVar        *slog.LevelVar
	Metrics         *telemetry.Metrics
}

// NewRouter constructs a Router with an empty upstream set. Call
// AddUpstream for each configured upstream before Serve; AddUpstream takes
// a constructor so the upstream.Server can be wired with this Router's own
// OnUpstreamRequest/OnUpstreamNotification as its Handlers, which requires
// the Router to already exist.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		namer:           cfg.Namer,
		authGate:        cfg.AuthGate,
		limiter:         cfg.Limiter,
		policy:          cfg.Policy,
		responseTimeout: cfg.ResponseTimeout,
		logger:          logger,
		levelVar:        cfg.LevelVar,
		metrics:         cfg.Metrics,
		upstreams:       make(map[string]upstreamDispatcher),
		tools:           registry.NewRegistry(),
		prompts:         registry.NewRegistry(),
		resources:       registry.NewRegistry(),
		templates:       registry.NewRegistry(),
		pendingClients:  make(map[string]upstreamRef),
	}
}

// AddUpstream registers an upstream in configuration order. build receives
// the Handlers this Router requires (OnUpstreamRequest/OnUpstreamNotification
// bound to this Router) so the caller can construct the upstream.Server
// correctly wired before handing it back.
func (r *Router) AddUpstream(id string, build func(upstream.Handlers) *upstream.Server) *upstream.Server {
	server := build(upstream.Handlers{
		OnRequest:      r.OnUpstreamRequest,
		OnNotification: r.OnUpstreamNotification,
		OnRestart:      r.onUpstreamRestart,
	})

	r.mu.Lock()
	r.upstreamOrder = append(r.upstreamOrder, id)
	r.upstreams[id] = server
	r.mu.Unlock()

	return server
}

// Serve runs the client serve loop until the client stream closes or ctx is
// canceled, then shuts down every upstream. It returns nil on a clean
// client disconnect.
func (r *Router) Serve(ctx context.Context, client *framing.Stream) error {
	r.client = client

	defer r.shutdownUpstreams(context.Background())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := client.Read()
		if err != nil {
			if errors.Is(err, framing.ErrClosed) {
				return nil
			}
			r.logger.Warn("client frame error", "error", err)
			continue
		}

		msg, err := jsonrpc.Wrap(raw)
		if err != nil {
			r.writeError(nil, jsonrpc.CodeParseError, "Parse error", nil)
			continue
		}

		switch msg.Kind {
		case jsonrpc.KindRequest:
			go r.handleClientRequest(ctx, msg)
		case jsonrpc.KindNotification:
			go r.handleClientNotification(msg)
		case jsonrpc.KindResponse:
			go r.handleClientResponse(msg)
		default:
			r.logger.Warn("unclassifiable client message", "raw", string(raw))
		}
	}
}

func (r *Router) shutdownUpstreams(ctx context.Context) {
	r.mu.RLock()
	servers := make([]upstreamDispatcher, 0, len(r.upstreams))
	for _, id := range r.upstreamOrder {
		if s, ok := r.upstreams[id]; ok {
			servers = append(servers, s)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s upstreamDispatcher) {
			defer wg.Done()
			_ = s.Stop(ctx)
		}(s)
	}
	wg.Wait()
}

// handleClientRequest dispatches one client request to its handler, always
// producing exactly one response frame.
func (r *Router) handleClientRequest(ctx context.Context, msg *jsonrpc.Message) {
	id := msg.RawID()
	method := msg.Method()

	if rpcErr := r.ensureAuthorized(msg); rpcErr != nil {
		r.writeErrorObj(id, rpcErr)
		return
	}

	req := msg.Request()
	params := jsonrpc.RawValue(req.Params)

	switch method {
	case "ping":
		r.writeResult(id, map[string]any{})
	case "initialize":
		r.handleInitialize(ctx, id, params)
	case "tools/list":
		r.handleList(ctx, id, params, r.tools, "tools/list", "tools", "name")
	case "prompts/list":
		r.handleList(ctx, id, params, r.prompts, "prompts/list", "prompts", "name")
	case "resources/list":
		r.handleList(ctx, id, params, r.resources, "resources/list", "resources", "uri")
	case "resources/templates/list":
		r.handleList(ctx, id, params, r.templates, "resources/templates/list", "resourceTemplates", "name")
	case "tools/call":
		r.handleCall(ctx, id, params, r.tools, "tools/call", "name", "Unknown tool")
	case "prompts/get":
		r.handleCall(ctx, id, params, r.prompts, "prompts/get", "name", "Unknown prompt")
	case "resources/read":
		r.handleResourceRead(ctx, id, params)
	case "logging/setLevel":
		r.handleLoggingSetLevel(id, params)
	default:
		r.writeError(id, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", method), nil)
	}
}

// handleClientNotification honors auth (never rate limit) then broadcasts
// to every running upstream, per spec's "unknown methods are broadcast"
// rule (this proxy special-cases no client notification method).
func (r *Router) handleClientNotification(msg *jsonrpc.Message) {
	if r.authGate.Configured() && !r.authGate.Validate(r.extractAuthToken(msg)) {
		r.logger.Warn("dropping unauthenticated client notification", "method", msg.Method())
		return
	}
	req := msg.Request()
	r.broadcastNotification(req.Method, jsonrpc.RawValue(req.Params))
}

// handleClientResponse relays a client's reply to an upstream-originated
// request back to the upstream that asked for it.
func (r *Router) handleClientResponse(msg *jsonrpc.Message) {
	var clientID string
	if err := json.Unmarshal(msg.RawID(), &clientID); err != nil {
		r.logger.Warn("client response with non-string id, dropping", "error", err)
		return
	}

	r.pendingMu.Lock()
	ref, ok := r.pendingClients[clientID]
	if ok {
		delete(r.pendingClients, clientID)
	}
	r.pendingMu.Unlock()

	if !ok {
		r.logger.Warn("client response for unknown upstream request, dropping", "client_id", clientID)
		return
	}

	rewritten, err := jsonrpc.WithField(msg.Raw, "id", ref.originalID)
	if err != nil {
		r.logger.Warn("failed to rewrite client response id", "error", err)
		return
	}

	srv, ok := r.getUpstream(ref.serverID)
	if !ok {
		r.logger.Warn("client response for now-unknown upstream, dropping", "server_id", ref.serverID)
		return
	}
	if err := srv.Reply(rewritten); err != nil {
		r.logger.Warn("failed to forward client response to upstream", "server_id", ref.serverID, "error", err)
	}
}

// OnUpstreamRequest is the upstream.Handlers callback for a request an
// upstream originates on its own (e.g. roots/list): mint a client-visible
// ID, remember how to route the eventual reply, inject params.proxy.server,
// and forward to the client.
func (r *Router) OnUpstreamRequest(serverID string, raw []byte) {
	originalID := jsonrpc.RawID(raw)
	clientID := serverID + ":" + strconv.FormatInt(r.clientSeq.Add(1), 10)

	r.pendingMu.Lock()
	r.pendingClients[clientID] = upstreamRef{serverID: serverID, originalID: originalID}
	r.pendingMu.Unlock()

	clientIDRaw := marshalString(clientID)

	withServer, err := r.injectProxyServer(raw, serverID)
	if err != nil {
		r.logger.Warn("failed to inject proxy.server on upstream request", "error", err)
		withServer = raw
	}
	rewritten, err := jsonrpc.WithField(withServer, "id", clientIDRaw)
	if err != nil {
		r.logger.Warn("failed to rewrite upstream request id", "error", err)
		return
	}

	if err := r.client.Write(rewritten); err != nil {
		r.logger.Warn("failed to forward upstream request to client", "error", err)
	}
}

// OnUpstreamNotification is the upstream.Handlers callback for a
// notification an upstream originates: inject params.proxy.server and
// forward to the client as-is.
func (r *Router) OnUpstreamNotification(serverID string, raw []byte) {
	withServer, err := r.injectProxyServer(raw, serverID)
	if err != nil {
		r.logger.Warn("failed to inject proxy.server on upstream notification", "error", err)
		withServer = raw
	}
	if err := r.client.Write(withServer); err != nil {
		r.logger.Warn("failed to forward upstream notification to client", "error", err)
	}
}

func (r *Router) injectProxyServer(raw []byte, serverID string) ([]byte, error) {
	fields, err := jsonrpc.Fields(raw)
	if err != nil {
		return nil, err
	}
	var params map[string]json.RawMessage
	if p, ok := fields["params"]; ok && len(p) > 0 {
		if err := json.Unmarshal(p, &params); err != nil {
			params = map[string]json.RawMessage{}
		}
	}
	if params == nil {
		params = map[string]json.RawMessage{}
	}

	var proxyObj map[string]json.RawMessage
	if existing, ok := params["proxy"]; ok {
		_ = json.Unmarshal(existing, &proxyObj)
	}
	if proxyObj == nil {
		proxyObj = map[string]json.RawMessage{}
	}
	serverRaw, _ := json.Marshal(serverID)
	proxyObj["server"] = serverRaw
	proxyRaw, err := json.Marshal(proxyObj)
	if err != nil {
		return nil, err
	}
	params["proxy"] = proxyRaw

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonrpc.WithField(raw, "params", paramsRaw)
}

func (r *Router) getUpstream(serverID string) (upstreamDispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.upstreams[serverID]
	return s, ok
}

func (r *Router) runningUpstreams() []upstreamDispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]upstreamDispatcher, 0, len(r.upstreamOrder))
	for _, id := range r.upstreamOrder {
		s, ok := r.upstreams[id]
		if !ok {
			continue
		}
		switch s.State() {
		case upstream.StateRunning, upstream.StateInitialized:
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) broadcastNotification(method string, params jsonrpc.RawValue) {
	for _, s := range r.runningUpstreams() {
		go func(s upstreamDispatcher) {
			if err := s.Notify(method, params); err != nil {
				r.logger.Warn("broadcast notification failed", "server_id", s.ID(), "method", method, "error", err)
			}
		}(s)
	}
}

// ensureAuthorized is the client-request gate: auth, then rate limit keyed
// by the auth token (or "anonymous").
func (r *Router) ensureAuthorized(msg *jsonrpc.Message) *jsonrpc.Error {
	token := r.extractAuthToken(msg)

	if r.authGate.Configured() && !r.authGate.Validate(token) {
		return &jsonrpc.Error{Code: jsonrpc.CodeUnauthorized, Message: "Unauthorized"}
	}

	key := token
	if key == "" {
		key = "anonymous"
	}
	if r.limiter != nil && !r.limiter.Allow(key) {
		if r.metrics != nil {
			r.metrics.RateLimitDenialsTotal.Inc()
		}
		return &jsonrpc.Error{Code: jsonrpc.CodeRateLimitExceeded, Message: "Rate limit exceeded"}
	}
	return nil
}

// onUpstreamRestart is the upstream.Handlers.OnRestart hook: it only
// touches the restart counter, so the upstream package stays free of any
// telemetry dependency.
func (r *Router) onUpstreamRestart(serverID string) {
	if r.metrics != nil {
		r.metrics.UpstreamRestartsTotal.WithLabelValues(serverID).Inc()
	}
}

func (r *Router) extractAuthToken(msg *jsonrpc.Message) string {
	req := msg.Request()
	if req == nil {
		return ""
	}
	var p struct {
		Proxy struct {
			AuthToken string `json:"authToken"`
		} `json:"proxy"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &p)
	}
	return p.Proxy.AuthToken
}

func (r *Router) writeResult(id jsonrpc.RawValue, result any) {
	payload, err := jsonrpc.MarshalParams(result)
	if err != nil {
		r.writeError(id, jsonrpc.CodeInternalError, "failed to marshal result", nil)
		return
	}
	raw, err := jsonrpc.BuildResult(id, payload)
	if err != nil {
		r.logger.Error("failed to build result frame", "error", err)
		return
	}
	if err := r.client.Write(raw); err != nil {
		r.logger.Warn("failed to write result to client", "error", err)
	}
}

func (r *Router) writeError(id jsonrpc.RawValue, code int, message string, data any) {
	r.writeErrorObj(id, &jsonrpc.Error{Code: code, Message: message, Data: data})
}

func (r *Router) writeErrorObj(id jsonrpc.RawValue, rpcErr *jsonrpc.Error) {
	raw, err := jsonrpc.BuildError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	if err != nil {
		r.logger.Error("failed to build error frame", "error", err)
		return
	}
	if err := r.client.Write(raw); err != nil {
		r.logger.Warn("failed to write error to client", "error", err)
	}
}

// classifyUpstreamErr maps a upstream.Server.Request failure to the
// proxy-specific JSON-RPC error code it should surface to the client.
func classifyUpstreamErr(err error) *jsonrpc.Error {
	switch {
	case upstream.IsTimeout(err):
		return &jsonrpc.Error{Code: jsonrpc.CodeUpstreamTimeout, Message: "Upstream timeout"}
	default:
		return &jsonrpc.Error{Code: jsonrpc.CodeUpstreamTransport, Message: "Upstream transport error: " + err.Error()}
	}
}

func marshalString(s string) jsonrpc.RawValue {
	b, _ := json.Marshal(s)
	return b
}
