package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
)

func TestNewDialerDefaults(t *testing.T) {
	t.Parallel()

	d := NewDialer(Config{})
	if d.cfg.APIBaseURL != "https://api.deepgram.com/v1" {
		t.Fatalf("unexpected base url: %q", d.cfg.APIBaseURL)
	}
	if d.cfg.Model != "nova-2" {
		t.Fatalf("unexpected model: %q", d.cfg.Model)
	}
}

func TestDialRequiresAPIKey(t *testing.T) {
	t.Parallel()

	d := NewDialer(Config{APIKey: ""})
	_, err := d.Dial(context.Background(), ports.SessionConfig{})
	if err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestBuildListenURLDefaults(t *testing.T) {
	t.Parallel()

	url, err := buildListenURL(Config{APIBaseURL: "https://api.deepgram.com/v1", Model: "nova-2"}, ports.SessionConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"wss://api.deepgram.com/v1/listen", "encoding=linear16", "sample_rate=16000", "channels=1", "model=nova-2"} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in url: %s", want, url)
		}
	}
}

func TestBuildListenURLWithSessionOverrides(t *testing.T) {
	t.Parallel()

	url, err := buildListenURL(
		Config{APIBaseURL: "http://localhost:8080/v1", Model: "m", Language: "en-US", SmartFormat: true, InterimResults: true},
		ports.SessionConfig{SampleRate: 8000, Channels: 2, Language: "de", Model: "nova-3", UseVAD: true},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"ws://localhost:8080/v1/listen", "language=de", "model=nova-3", "smart_format=true", "interim_results=true", "vad_events=true", "sample_rate=8000"} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in url: %s", want, url)
		}
	}
}

func TestBuildListenURLInvalidBase(t *testing.T) {
	t.Parallel()

	_, err := buildListenURL(Config{APIBaseURL: ":// bad"}, ports.SessionConfig{})
	if err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func TestExtractTranscript(t *testing.T) {
	t.Parallel()

	r1 := deepgramResponse{}
	r1.Channel.Alternatives = append(r1.Channel.Alternatives, struct {
		Transcript string "json:\"transcript\""
	}{Transcript: " channel "})
	if got := extractTranscript(r1); got != "channel" {
		t.Fatalf("unexpected transcript from channel: %q", got)
	}

	r2 := deepgramResponse{}
	r2.Results.Channels = append(r2.Results.Channels, struct {
		Alternatives []struct {
			Transcript string "json:\"transcript\""
		} "json:\"alternatives\""
	}{
		Alternatives: []struct {
			Transcript string "json:\"transcript\""
		}{{Transcript: "results"}},
	})
	if got := extractTranscript(r2); got != "results" {
		t.Fatalf("unexpected transcript from results: %q", got)
	}

	if got := extractTranscript(deepgramResponse{}); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
}

func TestDecodeResults(t *testing.T) {
	t.Parallel()

	payload := `{"type":"Results","start":1.5,"duration":0.5,"is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`
	event, ok, err := decodeMessage(websocket.TextMessage, []byte(payload))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if event.Kind != domain.EventSegments || len(event.Segments) != 1 {
		t.Fatalf("unexpected event: %#v", event)
	}
	seg := event.Segments[0]
	if seg.Text != "hello" || !seg.Final || seg.Settled || seg.Start != 1500*time.Millisecond || seg.End != 2*time.Second {
		t.Fatalf("unexpected segment: %#v", seg)
	}

	interim := `{"type":"Results","channel":{"alternatives":[{"transcript":"hel"}]}}`
	event, _, _ = decodeMessage(websocket.TextMessage, []byte(interim))
	if event.Segments[0].Final || event.Segments[0].End >= 0 {
		t.Fatalf("expected interim segment without end: %#v", event.Segments[0])
	}
}

func TestDecodeSettledChunkAndSpeechFinal(t *testing.T) {
	t.Parallel()

	settled := `{"type":"Results","start":0,"duration":1.2,"is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"what is the weather"}]}}`
	event, ok, err := decodeMessage(websocket.TextMessage, []byte(settled))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if seg := event.Segments[0]; seg.Final || !seg.Settled {
		t.Fatalf("expected a settled, non-final chunk: %#v", seg)
	}

	ending := `{"type":"Results","start":1.2,"duration":0.3,"is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":""}]}}`
	event, ok, err = decodeMessage(websocket.TextMessage, []byte(ending))
	if err != nil || !ok {
		t.Fatalf("expected empty speech_final to end the turn: ok=%v err=%v", ok, err)
	}
	if seg := event.Segments[0]; !seg.Final || seg.Text != "" {
		t.Fatalf("unexpected turn end segment: %#v", seg)
	}
}

func TestDecodeErrorMetadataAndEmpty(t *testing.T) {
	t.Parallel()

	event, ok, err := decodeMessage(websocket.TextMessage, []byte(`{"type":"Error","description":"bad audio"}`))
	if err != nil || !ok || event.Status.Kind != domain.StatusError || event.Status.Message != "bad audio" {
		t.Fatalf("unexpected error decode: %#v ok=%v err=%v", event, ok, err)
	}

	event, ok, err = decodeMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"req-1"}`))
	if err != nil || !ok || event.Kind != domain.EventAck || event.CorrelationID != "req-1" {
		t.Fatalf("unexpected metadata decode: %#v ok=%v err=%v", event, ok, err)
	}

	_, ok, err = decodeMessage(websocket.TextMessage, []byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"  "}]}}`))
	if err != nil || ok {
		t.Fatalf("expected empty transcript to be skipped: ok=%v err=%v", ok, err)
	}

	if _, _, err := decodeMessage(websocket.TextMessage, []byte(`{`)); err == nil {
		t.Fatalf("expected invalid json error")
	}
}

func TestDialSendsAuthAndSynthesizesReady(t *testing.T) {
	t.Parallel()

	auth := make(chan string, 1)
	closeStream := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage {
				closeStream <- string(data)
			}
		}
	}))
	defer srv.Close()

	d := NewDialer(Config{APIKey: "secret", APIBaseURL: srv.URL})
	conn, err := d.Dial(context.Background(), ports.SessionConfig{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if got := <-auth; got != "Token secret" {
		t.Fatalf("unexpected auth header: %q", got)
	}

	if err := conn.SendConfig(ports.SessionConfig{}); err != nil {
		t.Fatalf("send config failed: %v", err)
	}
	event, err := conn.Recv()
	if err != nil || event.Status.Kind != domain.StatusReady {
		t.Fatalf("expected synthesized ready, got %#v err=%v", event, err)
	}

	if err := conn.SendEndOfStream(); err != nil {
		t.Fatalf("end of stream failed: %v", err)
	}
	select {
	case msg := <-closeStream:
		if msg != `{"type":"CloseStream"}` {
			t.Fatalf("unexpected close message: %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for CloseStream")
	}
	_ = conn.Close()
}
