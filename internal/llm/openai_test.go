package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go/option"

	"github.com/chadiek/kb-voice-agent/internal/agent"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// newTestClient routes every API call to srv.
func newTestClient(srv *httptest.Server, tools ...Tool) *Client {
	hc := &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	return NewClient(Options{
		APIKey:         "key",
		RequestOptions: []option.RequestOption{option.WithHTTPClient(hc), option.WithMaxRetries(0)},
	}, tools...)
}

func completion(message string) string {
	return `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":` + message + `}]}`
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	tenants []string
}

func (f *fakeSearcher) Lookup(ctx context.Context, query, tenantID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.tenants = append(f.tenants, tenantID)
	return "We are open 9am-5pm daily."
}

func TestGenerate_NoKey(t *testing.T) {
	c := NewClient(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, []agent.Message{{Role: agent.RoleUser, Content: "hi"}}); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestGenerate_PlainReply(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") || r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(`{"role":"assistant","content":"  Hello there.  "}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	got, err := c.Generate(context.Background(), []agent.Message{
		{Role: agent.RoleSystem, Content: "be brief"},
		{Role: agent.RoleUser, Content: "hi"},
		{Role: agent.RoleAssistant, Content: "hello"},
		{Role: agent.RoleUser, Content: "again"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "Hello there." {
		t.Fatalf("unexpected reply %q", got)
	}
	if body["model"] != DefaultModel {
		t.Fatalf("unexpected model %v", body["model"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	roles := []string{"system", "user", "assistant", "user"}
	for i, m := range msgs {
		if role := m.(map[string]any)["role"]; role != roles[i] {
			t.Fatalf("message %d role %v, want %s", i, role, roles[i])
		}
	}
	if _, ok := body["tools"]; ok {
		t.Fatalf("no tools expected")
	}
}

func TestGenerate_RunsKnowledgeTool(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		requests = append(requests, body)
		n := len(requests)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = io.WriteString(w, completion(`{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"search_knowledge_base","arguments":"{\"query\":\"business hours\"}"}}]}`))
			return
		}
		_, _ = io.WriteString(w, completion(`{"role":"assistant","content":"We're open nine to five every day."}`))
	}))
	defer srv.Close()

	kb := &fakeSearcher{}
	c := newTestClient(srv, KnowledgeTool(kb, "biz-42"))
	got, err := c.Generate(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "When are you open?"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "We're open nine to five every day." {
		t.Fatalf("unexpected reply %q", got)
	}
	if len(kb.queries) != 1 || kb.queries[0] != "business hours" || kb.tenants[0] != "biz-42" {
		t.Fatalf("unexpected lookups %v %v", kb.queries, kb.tenants)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("expected 2 completion calls, got %d", len(requests))
	}
	tools, _ := requests[0]["tools"].([]any)
	if len(tools) != 1 || !strings.Contains(mustJSON(tools[0]), `"name":"search_knowledge_base"`) {
		t.Fatalf("tool not advertised: %v", requests[0]["tools"])
	}
	msgs, _ := requests[1]["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected user, assistant tool call and tool result, got %d", len(msgs))
	}
	last := msgs[2].(map[string]any)
	if last["role"] != "tool" || last["tool_call_id"] != "call_1" || last["content"] != "We are open 9am-5pm daily." {
		t.Fatalf("unexpected tool message %v", last)
	}
}

func TestGenerate_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := newTestClient(srv).Generate(ctx, []agent.Message{{Role: agent.RoleUser, Content: "hi"}}); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func TestGenerate_StopsRunawayToolLoop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(`{"role":"assistant","content":null,"tool_calls":[{"id":"x","type":"function","function":{"name":"nope","arguments":"{}"}}]}`))
	}))
	defer srv.Close()
	if _, err := newTestClient(srv).Generate(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}}); err == nil {
		t.Fatalf("expected error from endless tool calls")
	}
	if n := calls.Load(); n != maxToolRounds+1 {
		t.Fatalf("expected %d calls, got %d", maxToolRounds+1, n)
	}
}

func TestKnowledgeTool_BadArguments(t *testing.T) {
	tool := KnowledgeTool(&fakeSearcher{}, "")
	if _, err := tool.Call(context.Background(), "{not json"); err == nil {
		t.Fatalf("expected error for malformed arguments")
	}
	out, err := tool.Call(context.Background(), `{"query":"parking?"}`)
	if err != nil || out == "" {
		t.Fatalf("unexpected result %q %v", out, err)
	}
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
