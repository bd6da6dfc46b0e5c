package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mcpmux/mcpmux/internal/domain/policy"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/internal/registry"
	"github.com/mcpmux/mcpmux/internal/telemetry"
	"github.com/mcpmux/mcpmux/internal/upstream"
)

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// handleInitialize fans out startup+initialize to every configured
// upstream in parallel and aggregates their capabilities.
func (r *Router) handleInitialize(ctx context.Context, id, params jsonrpc.RawValue) {
	var clientInit initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &clientInit); err != nil {
			r.writeError(id, jsonrpc.CodeInvalidParams, "invalid initialize params", nil)
			return
		}
	}

	upstreamInit := clientInit
	upstreamInit.ClientInfo.Name += "-through-proxy"
	upstreamParams, err := json.Marshal(upstreamInit)
	if err != nil {
		r.writeError(id, jsonrpc.CodeInternalError, "failed to build upstream initialize params", nil)
		return
	}

	r.mu.RLock()
	servers := make([]upstreamDispatcher, 0, len(r.upstreamOrder))
	for _, sid := range r.upstreamOrder {
		if s, ok := r.upstreams[sid]; ok {
			servers = append(servers, s)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	caps := make([]json.RawMessage, len(servers))
	succeeded := make([]bool, len(servers))
	for i, s := range servers {
		wg.Add(1)
		go func(i int, s upstreamDispatcher) {
			defer wg.Done()
			if err := s.Start(ctx, upstreamParams); err != nil {
				r.logger.Warn("upstream failed to initialize", "server_id", s.ID(), "error", err)
				return
			}
			caps[i] = s.Capabilities()
			succeeded[i] = true
		}(i, s)
	}
	wg.Wait()

	var merged []json.RawMessage
	anySucceeded := false
	for i, ok := range succeeded {
		if ok {
			anySucceeded = true
			merged = append(merged, caps[i])
		}
	}

	if len(servers) > 0 && !anySucceeded {
		r.writeError(id, jsonrpc.CodeInternalError, "no upstream initialized successfully", nil)
		return
	}

	mergedCaps, err := mergeCapabilities(merged)
	if err != nil {
		r.writeError(id, jsonrpc.CodeInternalError, "failed to merge upstream capabilities", nil)
		return
	}

	protocolVersion := clientInit.ProtocolVersion
	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    mergedCaps,
		"serverInfo": map[string]string{
			"name":    proxyServerName,
			"version": ProxyVersion,
		},
	}
	r.writeResult(id, result)
}

// mergeCapabilities unions boolean capability flags and, for object-valued
// capabilities, OR-s their boolean subfields one level deep.
func mergeCapabilities(all []json.RawMessage) (map[string]json.RawMessage, error) {
	result := map[string]json.RawMessage{}
	for _, raw := range all {
		if len(raw) == 0 {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
		for k, v := range obj {
			existing, ok := result[k]
			if !ok {
				result[k] = v
				continue
			}
			merged, err := mergeCapabilityValue(existing, v)
			if err != nil {
				return nil, err
			}
			result[k] = merged
		}
	}
	return result, nil
}

func mergeCapabilityValue(a, b json.RawMessage) (json.RawMessage, error) {
	var ab, bb bool
	if json.Unmarshal(a, &ab) == nil && json.Unmarshal(b, &bb) == nil {
		return json.Marshal(ab || bb)
	}

	var aObj, bObj map[string]json.RawMessage
	if json.Unmarshal(a, &aObj) == nil && json.Unmarshal(b, &bObj) == nil {
		sub := map[string]json.RawMessage{}
		for k, v := range aObj {
			sub[k] = v
		}
		for k, v := range bObj {
			existing, ok := sub[k]
			if !ok {
				sub[k] = v
				continue
			}
			var eb, vb bool
			if json.Unmarshal(existing, &eb) == nil && json.Unmarshal(v, &vb) == nil {
				merged, _ := json.Marshal(eb || vb)
				sub[k] = merged
			} else {
				sub[k] = v
			}
		}
		return json.Marshal(sub)
	}

	// Neither bool nor object: keep the later upstream's value, it's no
	// worse a choice than the former for an unrecognized shape.
	return b, nil
}

// listSpec describes one */list method's aggregation shape.
type listSpec struct {
	reg         *registry.Registry
	method      string
	itemsField  string
	identField  string // "name" or "uri"
}

func (r *Router) handleList(ctx context.Context, id, params jsonrpc.RawValue, reg *registry.Registry, method, itemsField, identField string) {
	var p struct {
		Cursor string `json:"cursor"`
		Limit  int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			r.writeError(id, jsonrpc.CodeInvalidParams, "invalid list params", nil)
			return
		}
	}

	offset, err := DecodeCursor(p.Cursor)
	if err != nil {
		r.writeError(id, jsonrpc.CodeInvalidParams, "invalid cursor", nil)
		return
	}

	spec := listSpec{reg: reg, method: method, itemsField: itemsField, identField: identField}
	merged := r.aggregateList(ctx, spec)

	page, nextCursor := paginate(merged, offset, p.Limit)

	items := make([]json.RawMessage, len(page))
	for i, e := range page {
		items[i] = e.Descriptor
	}

	result := map[string]any{itemsField: items}
	if nextCursor != "" {
		result["nextCursor"] = nextCursor
	}
	r.writeResult(id, result)
}

// aggregateList fans spec.method out to every running upstream (bounded by
// responseTimeout), merges by upstream registration order, and rebuilds
// spec.reg's slice for every upstream that answered.
func (r *Router) aggregateList(ctx context.Context, spec listSpec) []registry.Entry {
	servers := r.runningUpstreams()

	type outcome struct {
		serverID string
		entries  []registry.Entry
	}
	results := make(chan outcome, len(servers))

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s upstreamDispatcher) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, r.responseTimeout)
			defer cancel()

			raw, rpcErr, err := s.Request(callCtx, spec.method, nil)
			if err != nil {
				r.logger.Warn("upstream list call failed", "server_id", s.ID(), "method", spec.method, "error", err)
				return
			}
			if rpcErr != nil {
				r.logger.Warn("upstream list call returned error", "server_id", s.ID(), "method", spec.method, "error", rpcErr.Message)
				return
			}

			var body map[string]json.RawMessage
			if err := json.Unmarshal(raw, &body); err != nil {
				r.logger.Warn("upstream list result undecodable", "server_id", s.ID(), "error", err)
				return
			}
			var items []json.RawMessage
			if err := json.Unmarshal(body[spec.itemsField], &items); err != nil {
				return
			}

			entries := make([]registry.Entry, 0, len(items))
			for _, item := range items {
				entry, err := r.buildEntry(s.ID(), spec.identField, item)
				if err != nil {
					r.logger.Warn("skipping malformed list item", "server_id", s.ID(), "error", err)
					continue
				}
				entries = append(entries, entry)
			}
			results <- outcome{serverID: s.ID(), entries: entries}
		}(s)
	}
	wg.Wait()
	close(results)

	byServer := map[string][]registry.Entry{}
	for res := range results {
		byServer[res.serverID] = res.entries
	}

	var merged []registry.Entry
	r.mu.RLock()
	order := append([]string(nil), r.upstreamOrder...)
	r.mu.RUnlock()
	for _, sid := range order {
		entries, ok := byServer[sid]
		if !ok {
			continue
		}
		spec.reg.Replace(sid, entries)
		merged = append(merged, entries...)
	}
	return merged
}

func (r *Router) buildEntry(serverID, identField string, item json.RawMessage) (registry.Entry, error) {
	var obj struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(item, &obj); err != nil {
		return registry.Entry{}, fmt.Errorf("decode item: %w", err)
	}

	switch identField {
	case "uri":
		if obj.URI == "" {
			return registry.Entry{}, fmt.Errorf("item missing uri")
		}
		proxyURI := registry.EncodeResourceURI(serverID, obj.URI)
		withMeta, err := registry.WithProxyMetadata(item, serverID, obj.URI)
		if err != nil {
			return registry.Entry{}, err
		}
		renamed, err := jsonrpc.WithField(withMeta, "uri", marshalString(proxyURI))
		if err != nil {
			return registry.Entry{}, err
		}
		return registry.Entry{ProxyName: proxyURI, ServerID: serverID, OriginalName: obj.URI, Descriptor: renamed}, nil
	default: // "name"
		if obj.Name == "" {
			return registry.Entry{}, fmt.Errorf("item missing name")
		}
		proxyName := r.namer.Encode(serverID, obj.Name)
		withMeta, err := registry.WithProxyMetadata(item, serverID, obj.Name)
		if err != nil {
			return registry.Entry{}, err
		}
		renamed, err := jsonrpc.WithField(withMeta, "name", marshalString(proxyName))
		if err != nil {
			return registry.Entry{}, err
		}
		return registry.Entry{ProxyName: proxyName, ServerID: serverID, OriginalName: obj.Name, Descriptor: renamed}, nil
	}
}

// handleCall implements tools/call and prompts/get: decode the namespaced
// name, consult the registry, run the policy gate, then forward.
func (r *Router) handleCall(ctx context.Context, id, params jsonrpc.RawValue, reg *registry.Registry, method, nameField, unknownMessage string) {
	ctx, span := telemetry.Tracer().Start(ctx, method)
	start := time.Now()
	status := "error"
	defer func() {
		span.SetStatus(statusCodeFor(status), "")
		span.End()
		r.recordRequest(method, start, status)
	}()

	var p map[string]json.RawMessage
	if err := json.Unmarshal(params, &p); err != nil {
		r.writeError(id, jsonrpc.CodeInvalidParams, "invalid params", nil)
		return
	}

	var proxyName string
	if err := json.Unmarshal(p[nameField], &proxyName); err != nil || proxyName == "" {
		r.writeError(id, jsonrpc.CodeInvalidParams, "missing or invalid name", nil)
		return
	}
	span.SetAttributes(attribute.String("mcpmux.proxy_name", proxyName))

	if _, _, ok := r.namer.Decode(proxyName); !ok {
		r.writeError(id, jsonrpc.CodeInvalidParams, "malformed namespaced name", nil)
		return
	}

	entry, ok := reg.Get(proxyName)
	if !ok {
		r.writeError(id, jsonrpc.CodeInvalidParams, unknownMessage, nil)
		return
	}
	span.SetAttributes(attribute.String("mcpmux.server_id", entry.ServerID))

	if r.policy != nil {
		token := r.extractAuthTokenFromParams(params)
		decision, err := r.policy.Evaluate(ctx, policy.EvaluationContext{
			Tool: policy.ToolContext{Name: entry.OriginalName, Server: entry.ServerID},
			Auth: policy.AuthContext{Token: token},
		})
		if err != nil {
			r.writeError(id, jsonrpc.CodeInternalError, "policy evaluation failed", nil)
			return
		}
		r.recordPolicyDecision(decision.Allowed)
		if !decision.Allowed {
			r.writeError(id, jsonrpc.CodeUnauthorized, fmt.Sprintf("denied by policy rule %q", decision.RuleName), nil)
			return
		}
	}

	srv, ok := r.getUpstream(entry.ServerID)
	if !ok {
		r.writeError(id, jsonrpc.CodeUpstreamTransport, "upstream not available", nil)
		return
	}

	rewritten, err := jsonrpc.WithField(params, nameField, marshalString(entry.OriginalName))
	if err != nil {
		r.writeError(id, jsonrpc.CodeInternalError, "failed to rewrite request", nil)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.responseTimeout)
	defer cancel()
	result, rpcErr, err := srv.Request(callCtx, method, rewritten)
	if err != nil {
		r.writeErrorObj(id, classifyUpstreamErr(err))
		return
	}
	if rpcErr != nil {
		r.writeErrorObj(id, rpcErr)
		return
	}
	status = "ok"
	r.writeRawResult(id, result)
}

// statusCodeFor maps this package's ok/error request status strings to an
// otel span status code.
func statusCodeFor(status string) codes.Code {
	if status == "ok" {
		return codes.Ok
	}
	return codes.Error
}

// recordRequest records a routed request's outcome and latency. No-op if
// metrics were never configured.
func (r *Router) recordRequest(method string, start time.Time, status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RequestsTotal.WithLabelValues(method, status).Inc()
	r.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// recordPolicyDecision records one policy gate verdict. No-op if metrics
// were never configured.
func (r *Router) recordPolicyDecision(allowed bool) {
	if r.metrics == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	r.metrics.PolicyDecisionsTotal.WithLabelValues(result).Inc()
}

// handleResourceRead decodes params.uri as a proxy resource URI, falling
// back to a registry lookup by proxy URI if decoding fails.
func (r *Router) handleResourceRead(ctx context.Context, id, params jsonrpc.RawValue) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		r.writeError(id, jsonrpc.CodeInvalidParams, "missing or invalid uri", nil)
		return
	}

	serverID, originalURI, err := registry.DecodeResourceURI(p.URI)
	if err != nil {
		entry, ok := r.resources.Get(p.URI)
		if !ok {
			r.writeError(id, jsonrpc.CodeInvalidParams, "invalid resource uri", nil)
			return
		}
		serverID, originalURI = entry.ServerID, entry.OriginalName
	}

	srv, ok := r.getUpstream(serverID)
	if !ok {
		r.writeError(id, jsonrpc.CodeUpstreamTransport, "upstream not available", nil)
		return
	}

	rewritten, err := jsonrpc.WithField(params, "uri", marshalString(originalURI))
	if err != nil {
		r.writeError(id, jsonrpc.CodeInternalError, "failed to rewrite request", nil)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.responseTimeout)
	defer cancel()
	result, rpcErr, err := srv.Request(callCtx, "resources/read", rewritten)
	if err != nil {
		r.writeErrorObj(id, classifyUpstreamErr(err))
		return
	}
	if rpcErr != nil {
		r.writeErrorObj(id, rpcErr)
		return
	}
	r.writeRawResult(id, result)
}

// handleLoggingSetLevel applies the level locally and broadcasts it to
// every running upstream, acknowledging the client immediately.
func (r *Router) handleLoggingSetLevel(id, params jsonrpc.RawValue) {
	var p struct {
		Level string `json:"level"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	r.applyLogLevel(p.Level)

	for _, s := range r.runningUpstreams() {
		go func(s upstreamDispatcher) {
			callCtx, cancel := context.WithTimeout(context.Background(), r.responseTimeout)
			defer cancel()
			if _, _, err := s.Request(callCtx, "logging/setLevel", params); err != nil {
				r.logger.Warn("broadcast logging/setLevel failed", "server_id", s.ID(), "error", err)
			}
		}(s)
	}

	r.writeResult(id, map[string]any{})
}

func (r *Router) applyLogLevel(level string) {
	if r.levelVar == nil || level == "" {
		return
	}
	parsed, err := parseLogLevel(level)
	if err != nil {
		r.logger.Warn("unrecognized log level from logging/setLevel", "level", level)
		return
	}
	r.levelVar.Set(parsed)
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, err
	}
	return l, nil
}

func (r *Router) extractAuthTokenFromParams(params jsonrpc.RawValue) string {
	var p struct {
		Proxy struct {
			AuthToken string `json:"authToken"`
		} `json:"proxy"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	return p.Proxy.AuthToken
}

func (r *Router) writeRawResult(id jsonrpc.RawValue, result jsonrpc.RawValue) {
	raw, err := jsonrpc.BuildResult(id, result)
	if err != nil {
		r.logger.Error("failed to build result frame", "error", err)
		return
	}
	if err := r.client.Write(raw); err != nil {
		r.logger.Warn("failed to write result to client", "error", err)
	}
}
