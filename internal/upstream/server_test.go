package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/internal/framing"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

// wireUpstream wires a Server's stream to an in-process fake upstream over
// pipes, without spawning a real child process, so request/response
// correlation and timeout logic can be tested deterministically.
type wireUpstream struct {
	toFake   *io.PipeReader
	toFakeW  *io.PipeWriter
	fromFake *io.PipeReader
	fromFakeW *io.PipeWriter
}

func wireServer(t *testing.T, s *Server) *wireUpstream {
	t.Helper()
	toFakeR, toFakeW := io.Pipe()
	fromFakeR, fromFakeW := io.Pipe()

	s.mu.Lock()
	s.stream = framing.New(fromFakeR, toFakeW, framing.ModeNewline, nil)
	s.mu.Unlock()

	return &wireUpstream{toFake: toFakeR, toFakeW: toFakeW, fromFake: fromFakeR, fromFakeW: fromFakeW}
}

// readFrame reads one newline-delimited frame the Server wrote, as the fake
// upstream would see on its stdin.
func (w *wireUpstream) readFrame(t *testing.T, scanner *bufio.Scanner) map[string]json.RawMessage {
	t.Helper()
	if !scanner.Scan() {
		t.Fatalf("scan: %v", scanner.Err())
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(scanner.Bytes(), &fields); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return fields
}

// reply writes a response frame as the fake upstream, echoing the given id.
func (w *wireUpstream) reply(t *testing.T, id json.RawMessage, result string) {
	t.Helper()
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, string(id), result)
	if _, err := w.fromFakeW.Write([]byte(frame + "\n")); err != nil {
		t.Fatalf("write reply: %v", err)
	}
}

func newTestServer(cfg Config) *Server {
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 2 * time.Second
	}
	return NewServer("test-upstream", cfg, nil, Handlers{})
}

func TestServerRequestResponseRoundTrip(t *testing.T) {
	s := newTestServer(Config{})
	w := wireServer(t, s)
	scanner := bufio.NewScanner(w.toFake)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.runCtx = ctx
	s.wg.Add(1)
	go s.receivePump(ctx)

	done := make(chan struct{})
	var result jsonrpc.RawValue
	var callErr error
	go func() {
		defer close(done)
		result, _, callErr = s.Request(ctx, "tools/list", nil)
	}()

	fields := w.readFrame(t, scanner)
	if string(fields["method"]) != `"tools/list"` {
		t.Fatalf("unexpected method frame: %v", fields)
	}
	w.reply(t, fields["id"], `{"tools":[]}`)

	<-done
	if callErr != nil {
		t.Fatalf("Request: %v", callErr)
	}
	var decoded struct {
		Tools []any `json:"tools"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestServerRequestCarriesRPCError(t *testing.T) {
	s := newTestServer(Config{})
	w := wireServer(t, s)
	scanner := bufio.NewScanner(w.toFake)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.runCtx = ctx
	s.wg.Add(1)
	go s.receivePump(ctx)

	done := make(chan struct{})
	var rpcErr *jsonrpc.Error
	go func() {
		defer close(done)
		_, rpcErr, _ = s.Request(ctx, "tools/call", nil)
	}()

	fields := w.readFrame(t, scanner)
	errFrame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"unknown tool"}}`, string(fields["id"]))
	if _, err := w.fromFakeW.Write([]byte(errFrame + "\n")); err != nil {
		t.Fatalf("write error reply: %v", err)
	}

	<-done
	if rpcErr == nil || rpcErr.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("expected passthrough method-not-found error, got %+v", rpcErr)
	}
}

func TestServerRequestTimesOutWithoutReply(t *testing.T) {
	s := newTestServer(Config{ResponseTimeout: 30 * time.Millisecond})
	w := wireServer(t, s)
	// The fake upstream reads the request but never replies.
	go func() { _, _ = io.Copy(io.Discard, w.toFake) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.runCtx = ctx
	s.wg.Add(1)
	go s.receivePump(ctx)

	_, _, err := s.Request(ctx, "tools/list", nil)
	if err == nil || !IsTimeout(err) {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

func TestServerNotifySendsNoID(t *testing.T) {
	s := newTestServer(Config{})
	w := wireServer(t, s)
	scanner := bufio.NewScanner(w.toFake)

	// io.Pipe writes block until read, so Notify runs alongside the reader.
	errCh := make(chan error, 1)
	go func() { errCh <- s.Notify("notifications/initialized", nil) }()

	fields := w.readFrame(t, scanner)
	if err := <-errCh; err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if _, ok := fields["id"]; ok {
		t.Fatal("expected notification frame to carry no id")
	}
	if string(fields["method"]) != `"notifications/initialized"` {
		t.Fatalf("unexpected method: %v", fields)
	}
}

func TestRequestOnUnstartedServerIsUnavailable(t *testing.T) {
	s := newTestServer(Config{})
	_, _, err := s.Request(context.Background(), "ping", nil)
	if err == nil || !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.retries); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}

func TestDeliverResponseUnknownIDIsDroppedNotPanicked(t *testing.T) {
	s := newTestServer(Config{})
	msg, err := jsonrpc.Wrap([]byte(`{"jsonrpc":"2.0","id":999,"result":{}}`))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	s.deliverResponse(msg) // must not panic
}

func TestTimeoutAndUnavailableAreDistinctSentinels(t *testing.T) {
	if IsTimeout(errUpstreamUnavailable) {
		t.Fatal("unavailable error should not be classified as timeout")
	}
	if IsUnavailable(errRequestTimeout) {
		t.Fatal("timeout error should not be classified as unavailable")
	}
	wrapped := fmt.Errorf("context: %w", errUpstreamUnavailable)
	if !errors.Is(wrapped, errUpstreamUnavailable) {
		t.Fatal("expected wrapped sentinel to satisfy errors.Is")
	}
}
