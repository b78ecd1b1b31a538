package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/KOMKZ/go-yogan-concurrency/limiter"
	"github.com/KOMKZ/go-yogan-concurrency/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingToken struct {
	outcome string
}

func (r *recordingToken) OnSuccess() { r.outcome = "success" }
func (r *recordingToken) OnIgnore()  { r.outcome = "ignore" }
func (r *recordingToken) OnDropped() { r.outcome = "dropped" }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type rejectAll struct{}

func (rejectAll) Acquire(context.Context, string) (limiter.Token, bool) { return nil, false }
func (rejectAll) IsEnabled() bool                                       { return true }

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func newTestManager(t *testing.T, resources map[string]limiter.ResourceConfig) *limiter.Manager {
	t.Helper()
	cfg := limiter.DefaultConfig()
	cfg.Enabled = true
	cfg.Default = limiter.ResourceConfig{}
	for name, rc := range resources {
		cfg.Resources[name] = rc
	}
	manager, err := limiter.NewManager(cfg, logger.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestTransport_RejectsOverLimit(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	manager := newTestManager(t, map[string]limiter.ResourceConfig{
		"downstream": {Algorithm: limiter.AlgorithmFixed, InitialLimit: 1},
	})
	client := NewClient(manager, 5*time.Second, WithFixedResource("downstream"), WithLogger(logger.Nop()))

	done := make(chan error, 1)
	go func() {
		resp, err := client.Get(srv.URL)
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()
	<-entered

	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	close(release)
	require.NoError(t, <-done)

	snap, ok := manager.Snapshot("downstream")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Acquired)
	assert.Equal(t, int64(1), snap.Rejected)
	assert.Equal(t, 0, snap.InFlight)
}

func TestTransport_RejectionClosesBody(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader("payload")}
	req, err := http.NewRequest(http.MethodPost, "http://example.invalid/upload", body)
	require.NoError(t, err)

	resp, err := NewTransport(rejectAll{}, WithLogger(logger.Nop())).RoundTrip(req)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.True(t, body.closed)
}

func TestTransport_Disabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	manager, err := limiter.NewManager(limiter.DefaultConfig(), logger.Nop(), nil)
	require.NoError(t, err)

	client := NewClient(manager, time.Second)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTransport_UsesHostResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	manager := newTestManager(t, map[string]limiter.ResourceConfig{
		"http:" + host: {Algorithm: limiter.AlgorithmFixed, InitialLimit: 2},
	})

	resp, err := NewClient(manager, time.Second).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	snap, ok := manager.Snapshot("http:" + host)
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Acquired)
	assert.Equal(t, 2, snap.Limit)
}

func TestResourceByHost(t *testing.T) {
	u, err := url.Parse("https://api.example.com:8443/v1/items")
	require.NoError(t, err)
	assert.Equal(t, "http:api.example.com:8443", ResourceByHost(&http.Request{URL: u}))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   string
	}{
		{"ok", http.StatusOK, nil, "success"},
		{"client error", http.StatusNotFound, nil, "success"},
		{"server error", http.StatusInternalServerError, nil, "success"},
		{"too many requests", http.StatusTooManyRequests, nil, "dropped"},
		{"unavailable", http.StatusServiceUnavailable, nil, "dropped"},
		{"gateway timeout", http.StatusGatewayTimeout, nil, "dropped"},
		{"canceled", 0, context.Canceled, "ignore"},
		{"deadline", 0, context.DeadlineExceeded, "dropped"},
		{"net timeout", 0, &url.Error{Op: "Get", URL: "x", Err: timeoutError{}}, "dropped"},
		{"other error", 0, errors.New("connection refused"), "ignore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &recordingToken{}
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status}
			}
			Classify(token, resp, tt.err)
			assert.Equal(t, tt.want, token.outcome)
		})
	}
}
