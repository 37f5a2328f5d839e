package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/auth"
	"github.com/rhuss/chatrelay/pkg/credential"
	"github.com/rhuss/chatrelay/pkg/provider/scripted"
	"github.com/rhuss/chatrelay/pkg/relay"
	"github.com/rhuss/chatrelay/pkg/storage"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// mockLedger is an in-memory StreamLedger for adapter tests.
type mockLedger struct {
	records   map[string]*api.StreamRecord
	healthErr error
	lastOpts  transport.ListOptions
}

func (m *mockLedger) SaveStream(_ context.Context, rec *api.StreamRecord) error {
	if m.records == nil {
		m.records = make(map[string]*api.StreamRecord)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *mockLedger) GetStream(_ context.Context, id string) (*api.StreamRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (m *mockLedger) ListStreams(_ context.Context, opts transport.ListOptions) (*api.StreamList, error) {
	m.lastOpts = opts
	list := &api.StreamList{Object: "list"}
	for _, rec := range m.records {
		list.Data = append(list.Data, rec)
	}
	return list, nil
}

func (m *mockLedger) HealthCheck(context.Context) error { return m.healthErr }
func (m *mockLedger) Close() error                      { return nil }

func newRelayAdapter(t *testing.T, tokens []string, key string, opts ...AdapterOption) (*Adapter, *credential.Resolver) {
	t.Helper()
	creds := credential.NewResolver(credential.StaticSource{Value: key})
	src := scripted.New(scripted.Config{Tokens: tokens})
	r := relay.New(src, creds, relay.DefaultConfig())
	opts = append([]AdapterOption{WithHealthChecker(creds)}, opts...)
	return NewAdapter(r, DefaultConfig(), nil, opts...), creds
}

func post(t *testing.T, srv *httptest.Server, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func decodeError(t *testing.T, body string) *api.APIError {
	t.Helper()
	var er api.ErrorResponse
	if err := json.Unmarshal([]byte(body), &er); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	if er.Error == nil {
		t.Fatalf("no error in body %q", body)
	}
	return er.Error
}

func TestChatStreamsExactFrames(t *testing.T) {
	a, _ := newRelayAdapter(t, []string{"Hel", "lo", ", ", "world"}, "sk-test")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp := post(t, srv, "/api/chat", `{"messages":[{"role":"user","content":"Say hello"}]}`, nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	want := "data: Hel\n\ndata: lo\n\ndata: , \n\ndata: world\n\ndata: [DONE]\n\n"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := resp.Header.Get("X-Stream-ID"); !api.ValidateStreamID(id) {
		t.Errorf("X-Stream-ID = %q", id)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestChatRawFramingViaAccept(t *testing.T) {
	a, _ := newRelayAdapter(t, []string{"Hel", "lo"}, "sk-test")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp := post(t, srv, "/api/chat", `{"message":"hi"}`, map[string]string{"Accept": "text/plain"})
	body := readBody(t, resp)

	if body != "Hello" {
		t.Errorf("body = %q, want %q", body, "Hello")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestLegacyStreamRouteUsesConfiguredFraming(t *testing.T) {
	creds := credential.NewResolver(credential.StaticSource{Value: "sk-test"})
	r := relay.New(scripted.New(scripted.Config{Tokens: []string{"a", "b"}}), creds, relay.DefaultConfig())
	cfg := DefaultConfig()
	cfg.StreamFraming = api.FramingRaw
	srv := httptest.NewServer(NewAdapter(r, cfg, nil).Handler())
	defer srv.Close()

	if body := readBody(t, post(t, srv, "/api/chat/stream", `{"message":"hi"}`, nil)); body != "ab" {
		t.Errorf("default body = %q, want raw %q", body, "ab")
	}

	resp := post(t, srv, "/api/chat/stream", `{"message":"hi"}`, map[string]string{"Accept": "text/event-stream"})
	if body := readBody(t, resp); body != "data: a\n\ndata: b\n\ndata: [DONE]\n\n" {
		t.Errorf("override body = %q", body)
	}

	// /api/chat ignores the legacy default.
	if body := readBody(t, post(t, srv, "/api/chat", `{"message":"hi"}`, nil)); !strings.HasPrefix(body, "data: ") {
		t.Errorf("/api/chat body = %q, want event-stream", body)
	}
}

func TestChatMissingCredential(t *testing.T) {
	a, _ := newRelayAdapter(t, []string{"never"}, "")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp := post(t, srv, "/api/chat", `{"message":"hi"}`, nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if strings.Contains(body, "data:") {
		t.Errorf("stream bytes written for missing credential: %q", body)
	}
	if apiErr := decodeError(t, body); apiErr.Type != api.ErrorTypeConfiguration {
		t.Errorf("error type = %q", apiErr.Type)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	a, _ := newRelayAdapter(t, []string{"x"}, "sk-test")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tests := []struct {
		name   string
		body   string
		ctype  string
		status int
	}{
		{"invalid json", `{"messages":`, "application/json", http.StatusBadRequest},
		{"empty turn list", `{"messages":[]}`, "application/json", http.StatusBadRequest},
		{"empty object", `{}`, "application/json", http.StatusBadRequest},
		{"unknown role", `{"messages":[{"role":"system","content":"x"}]}`, "application/json", http.StatusBadRequest},
		{"empty content", `{"messages":[{"role":"user","content":""}]}`, "application/json", http.StatusBadRequest},
		{"empty message", `{"message":""}`, "application/json", http.StatusBadRequest},
		{"both forms", `{"message":"a","messages":[{"role":"user","content":"b"}]}`, "application/json", http.StatusBadRequest},
		{"wrong content type", `{"message":"hi"}`, "text/plain", http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/chat", tt.ctype, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			body := readBody(t, resp)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.status, body)
			}
			if strings.Contains(body, "data:") {
				t.Errorf("stream bytes written: %q", body)
			}
		})
	}
}

func TestChatBodyTooLarge(t *testing.T) {
	creds := credential.NewResolver(credential.StaticSource{Value: "sk-test"})
	r := relay.New(scripted.New(scripted.Config{Tokens: []string{"x"}}), creds, relay.DefaultConfig())
	cfg := DefaultConfig()
	cfg.MaxBodySize = 32
	srv := httptest.NewServer(NewAdapter(r, cfg, nil).Handler())
	defer srv.Close()

	resp := post(t, srv, "/api/chat", `{"message":"`+strings.Repeat("a", 100)+`"}`, nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	a, _ := newRelayAdapter(t, []string{"x"}, "sk-test")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp := post(t, srv, "/api/chat", `{"message":"hi"}`, map[string]string{"X-Request-ID": "req-123"})
	readBody(t, resp)
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

func TestHandlerErrorAfterOpenIsInBand(t *testing.T) {
	h := transport.ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
		w.Open(ctx, req.Framing)
		w.WriteIncrement(ctx, "partial")
		panic("boom")
	})
	srv := httptest.NewServer(NewAdapter(h, DefaultConfig(), []transport.Middleware{transport.Recovery()}).Handler())
	defer srv.Close()

	body := readBody(t, post(t, srv, "/api/chat", `{"message":"hi"}`, nil))
	want := "data: partial\n\ndata: Error generating response: internal server error: boom\n\ndata: [DONE]\n\n"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

// slowRelayAdapter serves a scripted stream slow enough to cancel mid-way.
func slowRelayAdapter(opts ...AdapterOption) *Adapter {
	creds := credential.NewResolver(credential.StaticSource{Value: "sk-test"})
	src := scripted.New(scripted.Config{
		Tokens: []string{"a", "b", "c", "d", "e"},
		Delay:  200 * time.Millisecond,
	})
	return NewAdapter(relay.New(src, creds, relay.DefaultConfig()), DefaultConfig(), nil, opts...)
}

func deleteStream(t *testing.T, srv *httptest.Server, id string, headers map[string]string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/chat/"+id, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	readBody(t, resp)
	return resp.StatusCode
}

func TestCancelInFlightStreamEndsWithFailureFrame(t *testing.T) {
	srv := httptest.NewServer(slowRelayAdapter().Handler())
	defer srv.Close()

	resp := post(t, srv, "/api/chat", `{"message":"hi"}`, nil)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != "data: a\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	if status := deleteStream(t, srv, resp.Header.Get("X-Stream-ID"), nil); status != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", status)
	}

	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("reading rest of stream: %v", err)
	}
	want := "\ndata: Error generating response: stream cancelled\n\ndata: [DONE]\n\n"
	if string(rest) != want {
		t.Errorf("rest of stream = %q, want %q", rest, want)
	}
}

func TestCancelStreamOfAnotherSubject(t *testing.T) {
	// Stand-in for the auth middleware: the X-Subject header names the caller.
	identify := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := &auth.Identity{Subject: r.Header.Get("X-Subject")}
			next.ServeHTTP(w, r.WithContext(auth.SetIdentity(r.Context(), id)))
		})
	}
	srv := httptest.NewServer(slowRelayAdapter(WithHTTPMiddleware(identify)).Handler())
	defer srv.Close()

	resp := post(t, srv, "/api/chat", `{"message":"hi"}`, map[string]string{"X-Subject": "alice"})
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading first line: %v", err)
	}
	id := resp.Header.Get("X-Stream-ID")

	if status := deleteStream(t, srv, id, map[string]string{"X-Subject": "bob"}); status != http.StatusNotFound {
		t.Errorf("foreign DELETE status = %d, want 404", status)
	}

	// The stream keeps running for its owner.
	rest, _ := io.ReadAll(reader)
	if !strings.HasSuffix(string(rest), "data: e\n\ndata: [DONE]\n\n") {
		t.Errorf("stream did not complete normally: %q", rest)
	}
}

func TestCancelUnknownStream(t *testing.T) {
	a := NewAdapter(echoHandler("x"), DefaultConfig(), nil)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tests := []struct {
		id     string
		status int
	}{
		{api.NewStreamID(), http.StatusNotFound},
		{"not-a-stream", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/chat/"+tt.id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		readBody(t, resp)
		if resp.StatusCode != tt.status {
			t.Errorf("DELETE %s status = %d, want %d", tt.id, resp.StatusCode, tt.status)
		}
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		ledger  *mockLedger
		status  string
		message string
	}{
		{name: "ok", key: "sk-test", status: "ok"},
		{name: "missing credential", key: "", status: "warning", message: "upstream credential is not configured (static)"},
		{name: "ledger down", key: "sk-test", ledger: &mockLedger{healthErr: errors.New("db gone")}, status: "warning", message: "stream ledger unavailable: db gone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []AdapterOption
			if tt.ledger != nil {
				opts = append(opts, WithLedger(tt.ledger))
			}
			a, _ := newRelayAdapter(t, nil, tt.key, opts...)
			srv := httptest.NewServer(a.Handler())
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/api/health")
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			body := readBody(t, resp)
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
			var got healthResponse
			json.Unmarshal([]byte(body), &got)
			if got.Status != tt.status || got.Message != tt.message {
				t.Errorf("health = %+v", got)
			}
		})
	}
}

func TestStreamsEndpoints(t *testing.T) {
	t.Run("no ledger", func(t *testing.T) {
		srv := httptest.NewServer(NewAdapter(echoHandler("x"), DefaultConfig(), nil).Handler())
		defer srv.Close()

		resp, _ := http.Get(srv.URL + "/api/streams")
		readBody(t, resp)
		if resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("status = %d, want 501", resp.StatusCode)
		}
	})

	t.Run("recorded stream", func(t *testing.T) {
		ledger := &mockLedger{}
		creds := credential.NewResolver(credential.StaticSource{Value: "sk-test"})
		r := relay.New(scripted.New(scripted.Config{Tokens: []string{"a", "b"}}), creds, relay.DefaultConfig(), relay.WithLedger(ledger))
		srv := httptest.NewServer(NewAdapter(r, DefaultConfig(), nil, WithLedger(ledger)).Handler())
		defer srv.Close()

		resp := post(t, srv, "/api/chat", `{"message":"hi"}`, nil)
		readBody(t, resp)
		id := resp.Header.Get("X-Stream-ID")

		get, _ := http.Get(srv.URL + "/api/streams/" + id)
		body := readBody(t, get)
		if get.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %s", get.StatusCode, body)
		}
		var rec api.StreamRecord
		json.Unmarshal([]byte(body), &rec)
		if rec.ID != id || rec.State != api.StateDone || rec.Increments != 2 {
			t.Errorf("record = %+v", rec)
		}

		missing, _ := http.Get(srv.URL + "/api/streams/" + api.NewStreamID())
		readBody(t, missing)
		if missing.StatusCode != http.StatusNotFound {
			t.Errorf("missing status = %d, want 404", missing.StatusCode)
		}

		list, _ := http.Get(srv.URL + "/api/streams?limit=5&state=done&order=asc")
		readBody(t, list)
		if list.StatusCode != http.StatusOK {
			t.Errorf("list status = %d", list.StatusCode)
		}
		if ledger.lastOpts.Limit != 5 || ledger.lastOpts.State != api.StateDone || ledger.lastOpts.Order != "asc" {
			t.Errorf("list opts = %+v", ledger.lastOpts)
		}
	})
}

func TestParseListOptions(t *testing.T) {
	tests := []struct {
		query   string
		wantErr string
	}{
		{"", ""},
		{"limit=100", ""},
		{"limit=0", "limit"},
		{"limit=101", "limit"},
		{"limit=abc", "limit"},
		{"order=sideways", "order"},
		{"state=streaming", "state"},
		{"state=cancelled", ""},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/streams?"+tt.query, nil)
			opts, apiErr := parseListOptions(r)
			if tt.wantErr == "" {
				if apiErr != nil {
					t.Fatalf("unexpected error: %v", apiErr)
				}
				if opts.Order == "" {
					t.Error("order not defaulted")
				}
				return
			}
			if apiErr == nil || apiErr.Param != tt.wantErr {
				t.Errorf("err = %v, want param %q", apiErr, tt.wantErr)
			}
		})
	}
}

func TestNegotiateFraming(t *testing.T) {
	tests := []struct {
		accept string
		def    api.FramingMode
		want   api.FramingMode
	}{
		{"", api.FramingEventStream, api.FramingEventStream},
		{"", api.FramingRaw, api.FramingRaw},
		{"text/plain", api.FramingEventStream, api.FramingRaw},
		{"text/event-stream", api.FramingRaw, api.FramingEventStream},
		{"text/plain; charset=utf-8, text/event-stream", api.FramingEventStream, api.FramingRaw},
		{"application/json, text/event-stream", api.FramingRaw, api.FramingEventStream},
		{"*/*", api.FramingRaw, api.FramingRaw},
	}

	for _, tt := range tests {
		if got := negotiateFraming(tt.accept, tt.def); got != tt.want {
			t.Errorf("negotiateFraming(%q, %q) = %q, want %q", tt.accept, tt.def, got, tt.want)
		}
	}
}

func TestCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORS.AllowedOrigins = []string{"https://app.example.org", "https://*.example.com"}
	srv := httptest.NewServer(NewAdapter(echoHandler("x"), cfg, nil).Handler())
	defer srv.Close()

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://app.example.org", true},
		{"https://chat.example.com", true},
		{"https://evil.example.net", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/chat", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			req.Header.Set("Access-Control-Request-Headers", "Content-Type")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("OPTIONS: %v", err)
			}
			readBody(t, resp)

			got := resp.Header.Get("Access-Control-Allow-Origin")
			if tt.allowed && got != tt.origin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.origin)
			}
			if !tt.allowed && got != "" {
				t.Errorf("Allow-Origin = %q, want none", got)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a, _ := newRelayAdapter(t, []string{"x"}, "sk-test")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	readBody(t, post(t, srv, "/api/chat", `{"message":"hi"}`, nil))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body := readBody(t, resp)
	for _, name := range []string{"chatrelay_streams_total", "chatrelay_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := httptest.NewServer(NewAdapter(echoHandler("x"), DefaultConfig(), nil).Handler())
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/v1/unknown")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if apiErr := decodeError(t, body); apiErr.Type != api.ErrorTypeNotFound {
		t.Errorf("type = %q", apiErr.Type)
	}
}
