package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []Alert
}

func (r *recordingTransport) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNotifier_RateLimitsPerKey(t *testing.T) {
	rec := &recordingTransport{}
	n := NewNotifier(quiet(), time.Hour, rec)
	ctx := context.Background()

	assert.True(t, n.Notify(ctx, Alert{Key: "stop", Title: "Stop", Severity: SeverityWarning}))
	assert.False(t, n.Notify(ctx, Alert{Key: "stop", Title: "Stop", Severity: SeverityWarning}))
	assert.True(t, n.Notify(ctx, Alert{Key: "skip", Title: "Skip", Severity: SeverityInfo}))
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, 1, n.Suppressed())
}

func TestNotifier_CriticalBypassesLimit(t *testing.T) {
	rec := &recordingTransport{}
	n := NewNotifier(quiet(), time.Hour, rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, n.Notify(ctx, Alert{Key: "flag", Severity: SeverityCritical}))
	}
	assert.Equal(t, 3, rec.count())
}

func TestNotifier_NoIntervalMeansNoLimit(t *testing.T) {
	rec := &recordingTransport{}
	n := NewNotifier(quiet(), 0, rec)
	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), Alert{Key: "k"})
	}
	assert.Equal(t, 5, rec.count())
}

func TestSeverityForAttempt(t *testing.T) {
	tests := []struct {
		attempt, max int
		want         Severity
	}{
		{1, 5, SeverityInfo},
		{2, 5, SeverityWarning},
		{3, 5, SeverityHigh},
		{4, 5, SeverityHigh},
		{5, 5, SeverityCritical},
		{1, 1, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityForAttempt(tt.attempt, tt.max), "attempt %d/%d", tt.attempt, tt.max)
	}
}

func TestWebhookTransport_Send(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL, "condor")
	err := tr.Send(context.Background(), Alert{
		Title:    "Naked short",
		Message:  "closing SPXW251017P05800000",
		Severity: SeverityCritical,
		Fields:   map[string]interface{}{"attempt": 5, "entry": "e1"},
		Time:     time.Date(2025, 10, 17, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "condor", got.Username)
	assert.Equal(t, "[critical] Naked short", got.Embeds[0].Title)
	assert.Equal(t, 0xE74C3C, got.Embeds[0].Color)
	require.Len(t, got.Embeds[0].Fields, 2)
	assert.Equal(t, "attempt", got.Embeds[0].Fields[0].Name)
}

func TestWebhookTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookTransport(srv.URL, "").Send(context.Background(), Alert{Title: "x"})
	assert.Error(t, err)

	assert.NoError(t, NewWebhookTransport("", "").Send(context.Background(), Alert{}))
}
