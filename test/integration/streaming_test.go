package integration

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
)

func TestStreamingEventStream(t *testing.T) {
	resp := postChat(t, testEnv.BaseURL(), aliceKey, chatBody("hello relay world"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	got := dataLines(t, readBody(t, resp))
	want := []string{"hello", " relay", " world", "[DONE]"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("frames = %q, want %q", got, want)
	}
}

func TestStreamingRawFraming(t *testing.T) {
	resp := postChat(t, testEnv.BaseURL(), aliceKey, chatBody("plain text please"),
		map[string]string{"Accept": "text/plain"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if body := readBody(t, resp); body != "plain text please" {
		t.Errorf("body = %q", body)
	}
}

func TestStreamingUpstreamFailureInBand(t *testing.T) {
	resp := postChat(t, testEnv.BaseURL(), aliceKey, chatBody("fail now"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (failure is reported in-band)", resp.StatusCode)
	}

	got := dataLines(t, readBody(t, resp))
	want := []string{"partial", "Error generating response: model overloaded", "[DONE]"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("frames = %q, want %q", got, want)
	}
}

func TestStreamingRedactsCredential(t *testing.T) {
	resp := postChat(t, testEnv.BaseURL(), aliceKey, chatBody("leak it"), nil)
	body := readBody(t, resp)

	if strings.Contains(body, upstreamKey) {
		t.Fatalf("credential leaked into stream: %q", body)
	}
	if !strings.Contains(body, "[REDACTED]") {
		t.Errorf("body = %q, want redacted error", body)
	}
}

func TestStreamingForwardsCredential(t *testing.T) {
	drainCalls()
	resp := postChat(t, testEnv.BaseURL(), aliceKey, chatBody("check key"), nil)
	readBody(t, resp)

	select {
	case got := <-testEnv.upstreamCalls:
		if got != upstreamKey {
			t.Errorf("upstream saw bearer %q, want the configured credential", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was not called")
	}
}

func TestStreamingRecordedInLedger(t *testing.T) {
	resp := postChat(t, testEnv.BaseURL(), aliceKey, chatBody("one two three"), nil)
	id := resp.Header.Get("X-Stream-ID")
	readBody(t, resp)

	if !api.ValidateStreamID(id) {
		t.Fatalf("X-Stream-ID = %q", id)
	}

	var rec api.StreamRecord
	get := do(t, http.MethodGet, testEnv.BaseURL()+"/api/streams/"+id, aliceKey)
	if get.StatusCode != http.StatusOK {
		t.Fatalf("GET stream: status %d: %s", get.StatusCode, readBody(t, get))
	}
	decodeJSON(t, get, &rec)

	if rec.State != api.StateDone {
		t.Errorf("state = %q, want done", rec.State)
	}
	if rec.Subject != "alice" || rec.Increments != 3 || rec.Provider != "openaicompat" {
		t.Errorf("record = %+v", rec)
	}

	// Other tenants cannot see it.
	other := do(t, http.MethodGet, testEnv.BaseURL()+"/api/streams/"+id, bobKey)
	if other.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant GET status = %d, want 404", other.StatusCode)
	}
	other.Body.Close()
}

func TestStreamingCancelByID(t *testing.T) {
	resp := postChat(t, testEnv.BaseURL(), aliceKey, chatBody("hang around"), nil)
	defer resp.Body.Close()
	id := resp.Header.Get("X-Stream-ID")

	// Wait for the first increment so the stream is in flight upstream.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != "data: waiting\n" {
		t.Fatalf("first line = %q, err = %v", line, err)
	}

	del := do(t, http.MethodDelete, testEnv.BaseURL()+"/api/chat/"+id, aliceKey)
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", del.StatusCode)
	}

	// The client is still reading, so the stream must not just stop.
	restBytes, _ := io.ReadAll(reader)
	got := dataLines(t, string(restBytes))
	want := []string{"Error generating response: stream cancelled", "[DONE]"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("frames after cancel = %q, want %q", got, want)
	}

	var rec api.StreamRecord
	decodeJSON(t, do(t, http.MethodGet, testEnv.BaseURL()+"/api/streams/"+id, aliceKey), &rec)
	if rec.State != api.StateFailed || rec.Error != "stream cancelled" {
		t.Errorf("state = %q error = %q, want failed with stream cancelled", rec.State, rec.Error)
	}
}

func TestStreamingCancelByOtherSubject(t *testing.T) {
	resp := postChat(t, testEnv.BaseURL(), aliceKey, chatBody("hang on"), nil)
	defer resp.Body.Close()
	id := resp.Header.Get("X-Stream-ID")

	reader := bufio.NewReader(resp.Body)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading first line: %v", err)
	}

	del := do(t, http.MethodDelete, testEnv.BaseURL()+"/api/chat/"+id, bobKey)
	del.Body.Close()
	if del.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign DELETE status = %d, want 404", del.StatusCode)
	}

	// Clean up as the owner.
	own := do(t, http.MethodDelete, testEnv.BaseURL()+"/api/chat/"+id, aliceKey)
	own.Body.Close()
	if own.StatusCode != http.StatusNoContent {
		t.Errorf("owner DELETE status = %d, want 204", own.StatusCode)
	}
	io.ReadAll(reader)
}

func drainCalls() {
	for {
		select {
		case <-testEnv.upstreamCalls:
		default:
			return
		}
	}
}
