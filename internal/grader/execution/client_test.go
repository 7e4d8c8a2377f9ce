package execution_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"codegrader/internal/grader/execution"
	appErr "codegrader/pkg/errors"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newClient(t *testing.T, handler http.Handler) *execution.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := execution.NewClient(execution.Config{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Timeout: 2 * time.Second,
		Sleep:   noSleep,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestExecuteEncodesAndDecodes(t *testing.T) {
	t.Parallel()
	var got map[string]interface{}
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/submissions" || r.URL.Query().Get("wait") != "true" || r.URL.Query().Get("base64_encoded") != "true" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("X-RapidAPI-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		// wrapped base64 like the sandbox emits
		out := b64("hello\n")
		_, _ = w.Write([]byte(`{"stdout":"` + out[:4] + `\n` + out[4:] + `","stderr":null,"compile_output":null,` +
			`"status":{"id":3,"description":"Accepted"},"time":"0.015","memory":2048}`))
	}))

	res, err := c.Execute(context.Background(), execution.ExecuteRequest{
		Code: "print('hello')", LanguageID: 71, Input: "x", ExpectedOutput: "hello",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "Accepted" || res.Output != "hello\n" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ExecutionTimeMs != 15 || res.MemoryKB != 2048 {
		t.Fatalf("unexpected usage %+v", res)
	}
	if got["source_code"] != b64("print('hello')") || got["stdin"] != b64("x") || got["expected_output"] != b64("hello") {
		t.Fatalf("request not base64 encoded: %+v", got)
	}
	if got["cpu_time_limit"].(float64) != 5 || got["wall_time_limit"].(float64) != 15 {
		t.Fatalf("unexpected limits: %v / %v", got["cpu_time_limit"], got["wall_time_limit"])
	}
}

func TestExecuteNon2xxIsTransportError(t *testing.T) {
	t.Parallel()
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	_, err := c.Execute(context.Background(), execution.ExecuteRequest{Code: "x", LanguageID: 54})
	if !appErr.Is(err, appErr.ExecutionTransportError) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !appErr.IsRetryable(err) {
		t.Fatalf("transport errors must be retryable")
	}
}

func TestExecuteTimeoutIsTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c, err := execution.NewClient(execution.Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Execute(context.Background(), execution.ExecuteRequest{Code: "x", LanguageID: 54})
	if !appErr.Is(err, appErr.ExecutionTransportError) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

// batchServer hands out tokens t0..tn and reports them finished after doneAfter polls,
// listing submissions in reverse order.
type batchServer struct {
	t         *testing.T
	doneAfter int32
	failPoll  int32
	polls     atomic.Int32
	n         int
}

func (s *batchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Submissions []struct {
				Stdin string `json:"stdin"`
			} `json:"submissions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.t.Errorf("decode batch: %v", err)
		}
		s.n = len(req.Submissions)
		tokens := make([]map[string]string, 0, s.n)
		for i := range req.Submissions {
			tokens = append(tokens, map[string]string{"token": tokenFor(i)})
		}
		_ = json.NewEncoder(w).Encode(tokens)
	case http.MethodGet:
		poll := s.polls.Add(1)
		if poll == s.failPoll {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		requested := strings.Split(r.URL.Query().Get("tokens"), ",")
		subs := make([]map[string]interface{}, 0, len(requested))
		for i := len(requested) - 1; i >= 0; i-- {
			statusID, desc := 2, "Processing"
			if poll >= s.doneAfter || i < len(requested)-2 {
				statusID, desc = 3, "Accepted"
			}
			subs = append(subs, map[string]interface{}{
				"token":  requested[i],
				"stdout": b64("out-" + requested[i]),
				"status": map[string]interface{}{"id": statusID, "description": desc},
				"time":   "0.010",
				"memory": 1000 + i,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"submissions": subs})
	}
}

func tokenFor(i int) string { return "t" + string(rune('a'+i)) }

func TestBatchExecuteReassemblesBySubmissionOrder(t *testing.T) {
	t.Parallel()
	srv := &batchServer{t: t, doneAfter: 3}
	c := newClient(t, srv)

	cases := make([]execution.BatchCase, 5)
	results, err := c.BatchExecute(context.Background(), 54, "int main(){}", cases)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, r := range results {
		if want := "out-" + tokenFor(i); r.Output != want {
			t.Fatalf("result %d: expected %q, got %q", i, want, r.Output)
		}
		if r.MemoryKB != int64(1000+i) {
			t.Fatalf("result %d: memory %d", i, r.MemoryKB)
		}
	}
	if srv.polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", srv.polls.Load())
	}
}

func TestBatchExecuteRetriesFailedPoll(t *testing.T) {
	t.Parallel()
	srv := &batchServer{t: t, doneAfter: 2, failPoll: 1}
	c := newClient(t, srv)
	if _, err := c.BatchExecute(context.Background(), 54, "code", make([]execution.BatchCase, 3)); err != nil {
		t.Fatalf("expected recovery after failed poll, got %v", err)
	}
	if srv.polls.Load() != 2 {
		t.Fatalf("expected 2 polls, got %d", srv.polls.Load())
	}
}

func TestBatchExecuteBudgetExhausted(t *testing.T) {
	t.Parallel()
	srv := &batchServer{t: t, doneAfter: 1000}
	c := newClient(t, srv)

	results, err := c.BatchExecute(context.Background(), 54, "code", make([]execution.BatchCase, 5))
	if !appErr.Is(err, appErr.BatchPollTimeout) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
	if results != nil {
		t.Fatalf("partial results must not be returned")
	}
	if srv.polls.Load() != 15 {
		t.Fatalf("expected 15 polls, got %d", srv.polls.Load())
	}
}

func TestBatchExecuteBudgetScalesWithBatch(t *testing.T) {
	t.Parallel()
	srv := &batchServer{t: t, doneAfter: 1000}
	c := newClient(t, srv)
	_, err := c.BatchExecute(context.Background(), 54, "code", make([]execution.BatchCase, 20))
	if !appErr.Is(err, appErr.BatchPollTimeout) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
	if srv.polls.Load() != 20 {
		t.Fatalf("expected 20 polls, got %d", srv.polls.Load())
	}
}

func TestPollInterval(t *testing.T) {
	t.Parallel()
	c, err := execution.NewClient(execution.Config{BaseURL: "http://sandbox.local"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2000 * time.Millisecond},
		{2, 2400 * time.Millisecond},
		{3, 2800 * time.Millisecond},
		{4, 3000 * time.Millisecond},
		{15, 3000 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := c.PollInterval(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %s, got %s", tt.attempt, tt.want, got)
		}
	}
}

func TestLimitTable(t *testing.T) {
	t.Parallel()
	var table execution.LimitTable
	tests := []struct {
		languageID int
		cpu        time.Duration
		wall       time.Duration
	}{
		{54, 2 * time.Second, 6 * time.Second},
		{62, 4 * time.Second, 12 * time.Second},
		{71, 5 * time.Second, 15 * time.Second},
	}
	for _, tt := range tests {
		l := table.For(tt.languageID)
		if l.CPU != tt.cpu || l.Wall() != tt.wall {
			t.Fatalf("language %d: got %s/%s", tt.languageID, l.CPU, l.Wall())
		}
	}

	custom := execution.LimitTable{Families: map[execution.Family]execution.Limits{
		execution.FamilyCompiled: {CPU: time.Second},
	}}
	if l := custom.For(50); l.CPU != time.Second || l.Wall() != 3*time.Second {
		t.Fatalf("override not applied: %+v", l)
	}
}
