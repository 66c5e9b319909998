package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

// NewUpstreamProxy returns a reverse proxy to target whose round trips run
// through b. Transport errors and 5xx answers count against b; while b is
// open the proxy answers 503 without contacting the upstream.
func NewUpstreamProxy(target *url.URL, b *breaker.Breaker, clk clock.Clock, logger *zap.Logger) *httputil.ReverseProxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("upstream")
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &breakerTransport{base: http.DefaultTransport, breaker: b}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		var open *breaker.OpenError
		switch {
		case errors.As(err, &open):
			if wait := open.RetryAt.Sub(clk.Now()); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream unavailable"})
		case errors.Is(err, breaker.ErrTimeout):
			logger.Warn("upstream timed out", zap.String("path", r.URL.Path), zap.Error(err))
			writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "upstream timed out"})
		case errors.Is(err, context.Canceled):
			// The client went away; nobody reads the answer.
		default:
			logger.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream request failed"})
		}
	}
	return proxy
}

// statusError marks an upstream 5xx so the breaker counts it while the
// response itself is still relayed.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("upstream answered %d", e.code) }

type breakerTransport struct {
	base    http.RoundTripper
	breaker *breaker.Breaker
}

// RoundTrip sends req under the breaker. The outbound request keeps the
// client's context so the response body can be streamed after the breaker
// call returns; a response that arrives after the caller gave up is closed.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	out := req.WithContext(ctx)

	var (
		mu        sync.Mutex
		abandoned bool
		resp      *http.Response
	)
	err := t.breaker.Execute(req.Context(), func(context.Context) error {
		r, err := t.base.RoundTrip(out)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			r.Body.Close()
		} else {
			resp = r
		}
		if r.StatusCode >= http.StatusInternalServerError {
			return &statusError{code: r.StatusCode}
		}
		return nil
	})

	mu.Lock()
	abandoned = true
	got := resp
	mu.Unlock()

	var se *statusError
	if err != nil && !errors.As(err, &se) {
		cancel()
		if got != nil {
			got.Body.Close()
		}
		return nil, err
	}
	if got == nil {
		cancel()
		return nil, errors.New("upstream returned no response")
	}
	got.Body = &cancelOnClose{ReadCloser: got.Body, cancel: cancel}
	return got, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
