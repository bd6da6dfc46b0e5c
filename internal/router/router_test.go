package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/auth"
	"github.com/mcpmux/mcpmux/internal/domain/policy"
	"github.com/mcpmux/mcpmux/internal/domain/ratelimit"
	"github.com/mcpmux/mcpmux/internal/framing"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/internal/registry"
	"github.com/mcpmux/mcpmux/internal/upstream"
)

// fakeUpstream is a minimal upstreamDispatcher a test can script without
// spawning a real process, the way wireServer does for upstream.Server
// itself.
type fakeUpstream struct {
	id    string
	state upstream.State
	caps  jsonrpc.RawValue

	mu        sync.Mutex
	requests  []string
	onRequest func(method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error)
	notified  []string
	replies   [][]byte
	stopped   atomic.Bool
}

func (f *fakeUpstream) ID() string                     { return f.id }
func (f *fakeUpstream) State() upstream.State          { return f.state }
func (f *fakeUpstream) Capabilities() jsonrpc.RawValue { return f.caps }

func (f *fakeUpstream) Start(ctx context.Context, initParams jsonrpc.RawValue) error {
	return nil
}

func (f *fakeUpstream) Request(ctx context.Context, method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error) {
	f.mu.Lock()
	f.requests = append(f.requests, method)
	f.mu.Unlock()
	if f.onRequest != nil {
		return f.onRequest(method, params)
	}
	return jsonrpc.RawValue(`{}`), nil, nil
}

func (f *fakeUpstream) Notify(method string, params jsonrpc.RawValue) error {
	f.mu.Lock()
	f.notified = append(f.notified, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Reply(raw []byte) error {
	f.mu.Lock()
	f.replies = append(f.replies, raw)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Stop(ctx context.Context) error {
	f.stopped.Store(true)
	return nil
}

// newTestRouter wires a Router's client-facing Stream over in-process pipes
// so a test can write client frames and read the Router's replies without a
// real transport.
func newTestRouter(t *testing.T) (*Router, *io.PipeWriter, <-chan map[string]json.RawMessage) {
	t.Helper()
	clientToRouterR, clientToRouterW := io.Pipe()
	routerToClientR, routerToClientW := io.Pipe()

	stream := framing.New(clientToRouterR, routerToClientW, framing.ModeNewline, nil)

	r := NewRouter(Config{
		Namer:           registry.Namer{Separator: "::"},
		ResponseTimeout: time.Second,
	})
	r.client = stream

	// io.Pipe is synchronous: a reader must run concurrently with any
	// handler that writes to r.client, or the write blocks forever. Drain
	// it into a buffered channel instead of scanning inline.
	frames := make(chan map[string]json.RawMessage, 16)
	go func() {
		scanner := bufio.NewScanner(routerToClientR)
		for scanner.Scan() {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(scanner.Bytes(), &fields); err != nil {
				continue
			}
			frames <- fields
		}
	}()

	return r, clientToRouterW, frames
}

func readResponse(t *testing.T, frames <-chan map[string]json.RawMessage) map[string]json.RawMessage {
	t.Helper()
	select {
	case fields := <-frames:
		return fields
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for router response")
		return nil
	}
}

func addFake(r *Router, id string, state upstream.State, caps jsonrpc.RawValue) *fakeUpstream {
	f := &fakeUpstream{id: id, state: state, caps: caps}
	r.mu.Lock()
	r.upstreamOrder = append(r.upstreamOrder, id)
	r.upstreams[id] = f
	r.mu.Unlock()
	return f
}

func TestMergeCapabilitiesUnionsBoolFlagsAndSubfields(t *testing.T) {
	a := json.RawMessage(`{"tools":{"listChanged":true},"logging":true}`)
	b := json.RawMessage(`{"tools":{"listChanged":false,"progress":true},"resources":true}`)

	merged, err := mergeCapabilities([]json.RawMessage{a, b})
	if err != nil {
		t.Fatalf("mergeCapabilities: %v", err)
	}

	var tools map[string]bool
	if err := json.Unmarshal(merged["tools"], &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if !tools["listChanged"] || !tools["progress"] {
		t.Fatalf("expected OR-ed subfields, got %v", tools)
	}

	var logging bool
	_ = json.Unmarshal(merged["logging"], &logging)
	if !logging {
		t.Fatal("expected logging capability to survive from a single upstream")
	}
	var resources bool
	_ = json.Unmarshal(merged["resources"], &resources)
	if !resources {
		t.Fatal("expected resources capability to survive from a single upstream")
	}
}

func TestAggregateListRebuildsOnlyAnsweringUpstreams(t *testing.T) {
	r, _, _ := newTestRouter(t)

	good := addFake(r, "good", upstream.StateRunning, nil)
	good.onRequest = func(method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error) {
		return jsonrpc.RawValue(`{"tools":[{"name":"echo"}]}`), nil, nil
	}
	bad := addFake(r, "bad", upstream.StateRunning, nil)
	bad.onRequest = func(method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error) {
		return nil, nil, fmt.Errorf("upstream exploded")
	}

	// Seed "bad"'s registry with a prior entry that should survive this
	// failed round untouched.
	r.tools.Replace("bad", []registry.Entry{{ProxyName: "bad::stale", ServerID: "bad", OriginalName: "stale"}})

	merged := r.aggregateList(context.Background(), listSpec{reg: r.tools, method: "tools/list", itemsField: "tools", identField: "name"})

	if len(merged) != 1 || merged[0].ServerID != "good" {
		t.Fatalf("expected only good's entries in this round's result, got %+v", merged)
	}

	all := r.tools.All()
	foundStale := false
	for _, e := range all {
		if e.ProxyName == "bad::stale" {
			foundStale = true
		}
	}
	if !foundStale {
		t.Fatal("expected bad upstream's prior entries to remain untouched after its failed list call")
	}
}

func TestHandleCallRewritesNameAndForwards(t *testing.T) {
	r, _, _ := newTestRouter(t)
	f := addFake(r, "srv1", upstream.StateRunning, nil)
	f.onRequest = func(method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error) {
		var p map[string]json.RawMessage
		_ = json.Unmarshal(params, &p)
		var name string
		_ = json.Unmarshal(p["name"], &name)
		if name != "real_tool" {
			t.Errorf("expected original name forwarded, got %q", name)
		}
		return jsonrpc.RawValue(`{"content":[]}`), nil, nil
	}
	r.tools.Replace("srv1", []registry.Entry{{ProxyName: "srv1::real_tool", ServerID: "srv1", OriginalName: "real_tool"}})

	params := jsonrpc.RawValue(`{"name":"srv1::real_tool","arguments":{}}`)
	r.handleCall(context.Background(), jsonrpc.RawValue(`1`), params, r.tools, "tools/call", "name", "Unknown tool")

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) != 1 || f.requests[0] != "tools/call" {
		t.Fatalf("expected one tools/call forwarded, got %v", f.requests)
	}
}

func TestHandleCallDeniedByPolicy(t *testing.T) {
	r, w, scanner := newTestRouter(t)
	f := addFake(r, "srv1", upstream.StateRunning, nil)
	r.tools.Replace("srv1", []registry.Entry{{ProxyName: "srv1::danger", ServerID: "srv1", OriginalName: "danger"}})
	r.policy = denyAllPolicy{}

	go r.handleClientRequest(context.Background(), mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"srv1::danger"}}`))

	resp := readResponse(t, scanner)
	var errObj struct {
		Code int `json:"code"`
	}
	_ = json.Unmarshal(resp["error"], &errObj)
	if errObj.Code != jsonrpc.CodeUnauthorized {
		t.Fatalf("expected policy denial to map to CodeUnauthorized, got %+v", resp)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) != 0 {
		t.Fatal("expected denied call to never reach the upstream")
	}
	_ = w
}

type denyAllPolicy struct{}

func (denyAllPolicy) Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Decision, error) {
	return policy.Decision{Allowed: false, RuleName: "deny-all"}, nil
}

func TestResourceReadDecodesProxyURI(t *testing.T) {
	r, _, _ := newTestRouter(t)
	f := addFake(r, "srv1", upstream.StateRunning, nil)
	f.onRequest = func(method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error) {
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(params, &p)
		if p.URI != "file:///data.txt" {
			t.Errorf("expected original uri forwarded, got %q", p.URI)
		}
		return jsonrpc.RawValue(`{"contents":[]}`), nil, nil
	}

	proxyURI := registry.EncodeResourceURI("srv1", "file:///data.txt")
	params, _ := json.Marshal(map[string]string{"uri": proxyURI})

	r.handleResourceRead(context.Background(), jsonrpc.RawValue(`1`), params)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) != 1 || f.requests[0] != "resources/read" {
		t.Fatalf("expected one resources/read forwarded, got %v", f.requests)
	}
}

func TestEnsureAuthorizedRejectsBadToken(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.authGate = auth.NewGate("secret")

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"proxy":{"authToken":"wrong"}}}`)
	rpcErr := r.ensureAuthorized(msg)
	if rpcErr == nil || rpcErr.Code != jsonrpc.CodeUnauthorized {
		t.Fatalf("expected Unauthorized, got %+v", rpcErr)
	}
}

func TestEnsureAuthorizedEnforcesRateLimit(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.limiter = ratelimit.New(1)

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}`)
	if rpcErr := r.ensureAuthorized(msg); rpcErr != nil {
		t.Fatalf("expected first call to be allowed, got %+v", rpcErr)
	}
	rpcErr := r.ensureAuthorized(msg)
	if rpcErr == nil || rpcErr.Code != jsonrpc.CodeRateLimitExceeded {
		t.Fatalf("expected second call to be rate limited, got %+v", rpcErr)
	}
}

func TestHandleClientResponseRoutesBackToOriginatingUpstream(t *testing.T) {
	r, _, _ := newTestRouter(t)
	f := addFake(r, "srv1", upstream.StateRunning, nil)

	r.OnUpstreamRequest("srv1", []byte(`{"jsonrpc":"2.0","id":7,"method":"roots/list"}`))

	var clientID string
	r.pendingMu.Lock()
	for id := range r.pendingClients {
		clientID = id
	}
	r.pendingMu.Unlock()
	if clientID == "" {
		t.Fatal("expected a pending client id to be registered")
	}

	clientResp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"roots":[]}}`, clientID)
	r.handleClientResponse(mustWrap(t, clientResp))

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) != 1 {
		t.Fatalf("expected one reply forwarded to the upstream, got %d", len(f.replies))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.replies[0], &fields); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if string(fields["id"]) != "7" {
		t.Fatalf("expected id rewritten back to 7, got %s", fields["id"])
	}

	r.pendingMu.Lock()
	_, stillPending := r.pendingClients[clientID]
	r.pendingMu.Unlock()
	if stillPending {
		t.Fatal("expected pending entry to be consumed after relay")
	}
}

func TestPaginateAcrossUpstreams(t *testing.T) {
	r, _, _ := newTestRouter(t)
	a := addFake(r, "a", upstream.StateRunning, nil)
	a.onRequest = func(method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error) {
		return jsonrpc.RawValue(`{"tools":[{"name":"one"},{"name":"two"}]}`), nil, nil
	}
	b := addFake(r, "b", upstream.StateRunning, nil)
	b.onRequest = func(method string, params jsonrpc.RawValue) (jsonrpc.RawValue, *jsonrpc.Error, error) {
		return jsonrpc.RawValue(`{"tools":[{"name":"three"}]}`), nil, nil
	}

	merged := r.aggregateList(context.Background(), listSpec{reg: r.tools, method: "tools/list", itemsField: "tools", identField: "name"})
	if len(merged) != 3 {
		t.Fatalf("expected 3 merged entries, got %d", len(merged))
	}

	page, next := paginate(merged, 0, 2)
	if len(page) != 2 || next == "" {
		t.Fatalf("expected a 2-item first page with a next cursor, got %d items, cursor %q", len(page), next)
	}
	offset, err := DecodeCursor(next)
	if err != nil || offset != 2 {
		t.Fatalf("expected cursor to decode to offset 2, got %d, err %v", offset, err)
	}
	page2, next2 := paginate(merged, offset, 2)
	if len(page2) != 1 || next2 != "" {
		t.Fatalf("expected final page of 1 with no further cursor, got %d items, cursor %q", len(page2), next2)
	}
}

func mustWrap(t *testing.T, raw string) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.Wrap([]byte(raw))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	return msg
}
