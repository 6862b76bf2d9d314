package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joseph-ayodele/qmdoc/internal/llm"
)

func TestAnalyze_SendsMultimodalMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = io.WriteString(w, `{"model":"gpt-4o-2024","choices":[{"message":{"content":" {\"title\":\"QMH\"} "}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-4o"}, nil)
	resp, err := c.Analyze(context.Background(), llm.Payload{
		System: "You analyze QM documents.",
		Prompt: "Extract fields.",
		Images: [][]byte{[]byte("\x89PNG\r\n\x1a\nfake")},
		JSON:   true,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if resp.Text != `{"title":"QMH"}` || resp.Usage.TotalTokens != 15 || resp.Model != "gpt-4o-2024" {
		t.Errorf("response = %+v", resp)
	}

	if rf, _ := got["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v", got["response_format"])
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	parts := msgs[1].(map[string]any)["content"].([]any)
	img := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Errorf("image url = %.40s", img)
	}
}

func TestAnalyze_429IsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached"}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
	_, err := c.Analyze(context.Background(), llm.Payload{Prompt: "x"})
	if !llm.IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestIsAvailable(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer up.Close()
	if !NewClient(Config{BaseURL: up.URL}, nil).IsAvailable(context.Background()) {
		t.Error("expected available")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer down.Close()
	if NewClient(Config{BaseURL: down.URL}, nil).IsAvailable(context.Background()) {
		t.Error("401 must count as unavailable")
	}
}

func TestKind_LocalBaseURL(t *testing.T) {
	if k := NewClient(Config{BaseURL: "http://localhost:1234/v1"}, nil).Kind(); k != llm.KindLocalHTTP {
		t.Errorf("kind = %s, want local-http", k)
	}
	if k := NewClient(Config{}, nil).Kind(); k != llm.KindRemoteHTTP {
		t.Errorf("kind = %s, want remote-http", k)
	}
}
