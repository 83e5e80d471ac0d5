// Package streaming provides SSE (Server-Sent Events) passthrough forwarding
// from an upstream provider response to the gateway's client. Per §4.4,
// streamed bytes are forwarded with no transform — the forwarder's only
// job is framing-safe copying, disconnect detection, and idle-timeout
// enforcement.
package streaming

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultBufferSize is the default size for SSE read buffers.
const DefaultBufferSize = 4096

// bufferPool reduces GC pressure across the many concurrent streamed
// responses a busy gateway forwards.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte { return bufferPool.Get().(*[]byte) }
func putBuffer(buf *[]byte) { bufferPool.Put(buf) }

// Forwarder streams bytes from upstream to downstream unmodified until the
// stream is exhausted, an error occurs, or the client disconnects.
type Forwarder struct {
	upstream    io.ReadCloser
	downstream  http.ResponseWriter
	flusher     http.Flusher
	ctx         context.Context
	cancel      context.CancelFunc
	idleTimeout time.Duration
}

// Config controls forwarder construction.
type Config struct {
	Upstream    io.ReadCloser
	Downstream  http.ResponseWriter
	ClientCtx   context.Context
	IdleTimeout time.Duration // 0 disables the idle-byte timeout
}

// NewForwarder validates that Downstream supports flushing and returns a
// ready-to-use Forwarder.
func NewForwarder(cfg Config) (*Forwarder, error) {
	flusher, ok := cfg.Downstream.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	ctx, cancel := context.WithCancel(cfg.ClientCtx)
	return &Forwarder{
		upstream:    cfg.Upstream,
		downstream:  cfg.Downstream,
		flusher:     flusher,
		ctx:         ctx,
		cancel:      cancel,
		idleTimeout: cfg.IdleTimeout,
	}, nil
}

// Forward copies upstream bytes to downstream verbatim. It returns nil on
// clean upstream EOF, ctx.Err() on client disconnect, or a wrapped read
// error otherwise. The configured IdleTimeout applies between reads, not to
// the stream's total duration.
func (f *Forwarder) Forward() error {
	defer f.upstream.Close()

	f.downstream.Header().Set("Content-Type", "text/event-stream")
	f.downstream.Header().Set("Cache-Control", "no-cache")
	f.downstream.Header().Set("Connection", "keep-alive")
	f.downstream.Header().Set("X-Accel-Buffering", "no")
	f.flusher.Flush()

	buf := getBuffer()
	defer putBuffer(buf)

	reader := bufio.NewReaderSize(&idleReader{ctx: f.ctx, r: f.upstream, timeout: f.idleTimeout}, DefaultBufferSize)

	for {
		select {
		case <-f.ctx.Done():
			return f.ctx.Err()
		default:
		}

		n, err := reader.Read(*buf)
		if n > 0 {
			if _, werr := f.downstream.Write((*buf)[:n]); werr != nil {
				return fmt.Errorf("write downstream: %w", werr)
			}
			f.flusher.Flush()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read upstream: %w", err)
		}
	}
}

// Close cancels forwarding and releases the upstream body.
func (f *Forwarder) Close() {
	f.cancel()
	f.upstream.Close()
}

// idleReader enforces a per-read deadline without requiring the upstream
// io.Reader to be a net.Conn; providers reached through an outbound proxy
// don't always expose SetReadDeadline.
type idleReader struct {
	ctx     context.Context
	r       io.Reader
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timeout <= 0 {
		return r.r.Read(p)
	}

	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(r.timeout):
		return 0, fmt.Errorf("idle timeout after %s waiting for upstream bytes", r.timeout)
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
}
