package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
)

var _ ports.Recorder = (*Recorder)(nil)

func TestRecorderCounters(t *testing.T) {
	t.Parallel()

	r := NewRecorder(prometheus.NewRegistry())
	r.FrameForwarded()
	r.FrameForwarded()
	r.FrameGated()
	r.FrameDropped()
	r.Utterance("accepted")
	r.Utterance("ignored")
	r.Utterance("ignored")
	r.TurnCompleted("ok", 1500*time.Millisecond)
	r.PlaybackQueue(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.frames.WithLabelValues("forwarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.frames.WithLabelValues("gated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.frames.WithLabelValues("dropped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.utterances.WithLabelValues("ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.turns.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.playbackQueue))
	assert.Equal(t, 1, testutil.CollectAndCount(r.turnDuration))
}

func TestRecorderStateGaugesAreOneHot(t *testing.T) {
	t.Parallel()

	r := NewRecorder(prometheus.NewRegistry())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conversationState.WithLabelValues("idle")))

	r.ConversationState(domain.ConversationStateSpeaking)
	r.SessionState(domain.SessionStateStreaming)

	assert.Equal(t, 0.0, testutil.ToFloat64(r.conversationState.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conversationState.WithLabelValues("speaking")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionState.WithLabelValues("streaming")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.sessionState.WithLabelValues("disconnected")))
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.Utterance("accepted")

	state := domain.ConversationStateListening
	srv := NewServer("", reg, func() domain.RuntimeStatus {
		return domain.RuntimeStatus{State: state, Session: domain.SessionStateStreaming, Turns: 2, LastUser: "hi"}
	})
	assert.False(t, srv.Enabled())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.RuntimeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, domain.ConversationStateListening, status.State)
	assert.Equal(t, 2, status.Turns)
	assert.Equal(t, "hi", status.LastUser)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `voxloop_utterances_total{disposition="accepted"} 1`))

	state = domain.ConversationStateStopped
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerDisabledRunReturnsImmediately(t *testing.T) {
	t.Parallel()

	srv := NewServer("  ", nil, nil)
	require.NoError(t, srv.Run(context.Background()))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := NewServer("127.0.0.1:0", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
