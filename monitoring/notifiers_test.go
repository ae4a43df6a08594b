package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() ResourceAlert {
	return ResourceAlert{
		ID:        "a-1",
		Timestamp: time.Now(),
		Level:     AlertCritical,
		Resource:  "cpu",
		Metric:    "cpu_percent",
		Value:     91.5,
		Threshold: 85,
	}
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	var received atomic.Int64
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = body
		received.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Minute, 1, nil)
	require.NoError(t, n.Notify(context.Background(), testAlert()))
	assert.Equal(t, int64(1), received.Load())

	var decoded ResourceAlert
	require.NoError(t, json.Unmarshal(lastBody, &decoded))
	assert.Equal(t, "cpu_percent", decoded.Metric)
	assert.Equal(t, AlertCritical, decoded.Level)
}

func TestWebhookNotifier_RateLimitDropsSilently(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Hour, 1, nil)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, testAlert()))
	// Burst exhausted: further deliveries are dropped without error
	require.NoError(t, n.Notify(ctx, testAlert()))
	require.NoError(t, n.Notify(ctx, testAlert()))

	assert.Equal(t, int64(1), received.Load())
}

func TestWebhookNotifier_ServerErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Minute, 1, nil)
	err := n.Notify(context.Background(), testAlert())
	assert.Error(t, err)
}

type failingNotifier struct{}

func (failingNotifier) Name() string { return "failing" }
func (failingNotifier) Notify(context.Context, ResourceAlert) error {
	return errors.New("sink unavailable")
}

func TestNotifierCallback_AbsorbsFailures(t *testing.T) {
	var delivered atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
	}))
	defer srv.Close()

	cb := NotifierCallback(nil,
		failingNotifier{},
		NewWebhookNotifier(srv.URL, time.Minute, 1, nil),
	)

	assert.NotPanics(t, func() { cb(testAlert()) })
	assert.Equal(t, int64(1), delivered.Load(),
		"a failing notifier must not prevent later notifiers from running")
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(nil)
	assert.Equal(t, "log", n.Name())
	assert.NoError(t, n.Notify(context.Background(), testAlert()))
}
