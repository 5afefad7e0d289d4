package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

const timeoutBody = `{"error":"request processing exceeded the allowed time limit"}` + "\n"

// RequestTimeout sets a deadline on each request context. When it expires
// before the handler returns, the client gets a 504 at once and whatever the
// handler writes afterwards is dropped. The middleware still waits for the
// handler to return so the echo context is never used after it is released.
// Paths listed in skip (prefix match) run without a deadline.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, prefix := range skip {
				if strings.HasPrefix(path, prefix) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			res := c.Response()
			orig := res.Writer
			tw := &timeoutWriter{header: make(http.Header)}
			res.Writer = tw

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				res.Writer = orig
				tw.flushTo(orig)
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) || !tw.expire() {
					err := <-done
					res.Writer = orig
					tw.flushTo(orig)
					return err
				}
				orig.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
				orig.Header().Set(echo.HeaderContentLength, strconv.Itoa(len(timeoutBody)))
				orig.WriteHeader(http.StatusGatewayTimeout)
				n, _ := orig.Write([]byte(timeoutBody))

				<-done
				res.Writer = orig
				res.Status = http.StatusGatewayTimeout
				res.Size = int64(n)
				res.Committed = true
				return nil
			}
		}
	}
}

// timeoutWriter buffers the handler's response until it either completes or
// the deadline passes.
type timeoutWriter struct {
	mu       sync.Mutex
	header   http.Header
	status   int
	body     bytes.Buffer
	timedOut bool
}

func (w *timeoutWriter) Header() http.Header { return w.header }

func (w *timeoutWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut || w.status != 0 {
		return
	}
	w.status = code
}

func (w *timeoutWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

// expire stops accepting writes. It reports false when the handler already
// started a response, in which case that response wins.
func (w *timeoutWriter) expire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != 0 {
		return false
	}
	w.timedOut = true
	return true
}

func (w *timeoutWriter) flushTo(dst http.ResponseWriter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == 0 {
		return
	}
	for k, v := range w.header {
		dst.Header()[k] = v
	}
	dst.WriteHeader(w.status)
	dst.Write(w.body.Bytes())
}
