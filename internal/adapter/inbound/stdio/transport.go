// Package stdio provides the stdio transport adapter for the proxy: it
// wraps a byte stream (normally the process's own stdin/stdout) in a
// FrameStream and hands that stream to the Router's serve loop.
package stdio

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mcpmux/mcpmux/internal/framing"
	"github.com/mcpmux/mcpmux/internal/router"
)

// StdioTransport is the inbound adapter that connects the client-facing
// Router to a duplex byte stream.
type StdioTransport struct {
	router *router.Router
	mode   framing.Mode
	logger *slog.Logger
}

// NewStdioTransport creates a stdio transport wrapping the given Router.
// preferredMode sets the framing mode used before autodetection pins one
// from the first read (see framing.Stream).
func NewStdioTransport(r *router.Router, preferredMode framing.Mode, logger *slog.Logger) *StdioTransport {
	return &StdioTransport{router: r, mode: preferredMode, logger: logger}
}

// Start wires the process's own stdin/stdout into a FrameStream and runs
// the Router's serve loop until the client disconnects or ctx is canceled.
func (t *StdioTransport) Start(ctx context.Context) error {
	return t.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve wires an arbitrary reader/writer pair into a FrameStream and runs
// the Router's serve loop over it. Start is a thin wrapper around this for
// the real os.Stdin/os.Stdout case; tests call Serve directly with pipes.
func (t *StdioTransport) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	stream := framing.New(r, w, t.mode, t.logger)
	return t.router.Serve(ctx, stream)
}
