package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/joseph-ayodele/qmdoc/internal/llm"
)

func TestAnalyze_TextAndUsage(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"ok\":true}"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":12,"output_tokens":3}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Model: "claude-test"}, nil)
	resp, err := c.Analyze(context.Background(), llm.Payload{
		System: "sys",
		Prompt: "p",
		Images: [][]byte{[]byte("\xff\xd8\xff\xe0jpeg")},
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if resp.Text != `{"ok":true}` || resp.Usage.TotalTokens != 15 {
		t.Errorf("resp = %+v", resp)
	}

	msgs := body["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	src := content[0].(map[string]any)["source"].(map[string]any)
	if src["media_type"] != "image/jpeg" {
		t.Errorf("media_type = %v", src["media_type"])
	}
}

func TestAnalyze_429IsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := c.Analyze(context.Background(), llm.Payload{Prompt: "p"})
	if !llm.IsRateLimited(err) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestIsAvailable_RequiresKey(t *testing.T) {
	if NewClient(Config{}, nil).IsAvailable(context.Background()) {
		t.Error("expected unavailable without key")
	}
}
