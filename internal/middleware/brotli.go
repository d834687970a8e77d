package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

const defaultBrotliMinLength = 1024

// BrotliConfig tunes the compression middleware.
type BrotliConfig struct {
	Quality   int
	Skipper   func(c *gin.Context) bool
	MinLength int
}

// brotliPool reuses encoders of one quality level.
type brotliPool struct {
	pool sync.Pool
}

func newBrotliPool(quality int) *brotliPool {
	p := &brotliPool{}
	p.pool.New = func() any { return brotli.NewWriterLevel(io.Discard, quality) }
	return p
}

func (p *brotliPool) get(w io.Writer) *brotli.Writer {
	bw := p.pool.Get().(*brotli.Writer)
	bw.Reset(w)
	return bw
}

func (p *brotliPool) put(bw *brotli.Writer) {
	bw.Reset(io.Discard)
	p.pool.Put(bw)
}

// brotliWriter buffers the body until it reaches minLength, then switches
// to compressed output. Bodies that stay short go out untouched.
type brotliWriter struct {
	gin.ResponseWriter
	pool      *brotliPool
	enc       *brotli.Writer
	buf       []byte
	minLength int
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	if bw.enc != nil {
		return bw.enc.Write(data)
	}
	if !bw.compressible() {
		if err := bw.flushPlain(); err != nil {
			return 0, err
		}
		return bw.ResponseWriter.Write(data)
	}
	bw.buf = append(bw.buf, data...)
	if len(bw.buf) < bw.minLength {
		return len(data), nil
	}

	h := bw.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	bw.enc = bw.pool.get(bw.ResponseWriter)
	if _, err := bw.enc.Write(bw.buf); err != nil {
		return 0, err
	}
	bw.buf = bw.buf[:0]
	return len(data), nil
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// compressible is false when the handler already encoded the body or the
// status carries no body.
func (bw *brotliWriter) compressible() bool {
	if bw.ResponseWriter.Header().Get("Content-Encoding") != "" {
		return false
	}
	switch bw.ResponseWriter.Status() {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	return true
}

// Flush pushes out whatever is buffered, compressed or not.
func (bw *brotliWriter) Flush() {
	if bw.enc != nil {
		_ = bw.enc.Flush()
	} else {
		_ = bw.flushPlain()
	}
	bw.ResponseWriter.Flush()
}

func (bw *brotliWriter) flushPlain() error {
	if len(bw.buf) == 0 {
		return nil
	}
	_, err := bw.ResponseWriter.Write(bw.buf)
	bw.buf = bw.buf[:0]
	return err
}

// finish closes the encoder or writes a short body as-is.
func (bw *brotliWriter) finish() error {
	if bw.enc == nil {
		return bw.flushPlain()
	}
	err := bw.enc.Close()
	bw.pool.put(bw.enc)
	bw.enc = nil
	return err
}

// BrotliWithConfig compresses responses for clients that accept "br".
func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < 0 || cfg.Quality > 11 {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = defaultBrotliMinLength
	}
	pool := newBrotliPool(cfg.Quality)

	return func(c *gin.Context) {
		if shouldSkip(c) || (cfg.Skipper != nil && cfg.Skipper(c)) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")

		bw := &brotliWriter{
			ResponseWriter: c.Writer,
			pool:           pool,
			minLength:      cfg.MinLength,
		}
		defer func() {
			if err := bw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()

		c.Writer = bw
		c.Next()
	}
}

// shouldSkip returns true for protocols that are incompatible with
// buffered compression and must be passed through untouched.
func shouldSkip(c *gin.Context) bool {
	// SSE must stream immediately.
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	// The Upgrade handshake fails if the response is wrapped.
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

// acceptsBrotli reports whether Accept-Encoding lists br with a non-zero q.
func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if !strings.EqualFold(strings.TrimSpace(name), "br") {
			continue
		}
		q, ok := strings.CutPrefix(strings.TrimSpace(params), "q=")
		if !ok {
			return true
		}
		v, err := strconv.ParseFloat(q, 64)
		return err == nil && v > 0
	}
	return false
}
