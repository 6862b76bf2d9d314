package vertex

import (
	"errors"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/qmdoc/internal/llm"
)

func TestClassify(t *testing.T) {
	if err := classify("vertex", status.Error(codes.ResourceExhausted, "quota")); !llm.IsRateLimited(err) {
		t.Errorf("ResourceExhausted must be rate limited: %v", err)
	}
	if err := classify("vertex", status.Error(codes.InvalidArgument, "bad image")); llm.IsRateLimited(err) {
		t.Errorf("InvalidArgument must not be rate limited: %v", err)
	}
	if err := classify("vertex", errors.New("googleapi: Error 429: Too Many Requests")); !llm.IsRateLimited(err) {
		t.Errorf("429 text must be rate limited: %v", err)
	}
}

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text(" {\"a\":"), genai.Text("1} ")}},
	}}}
	if got := responseText(resp); got != `{"a":1}` {
		t.Errorf("responseText = %q", got)
	}
	if got := responseText(&genai.GenerateContentResponse{}); got != "" {
		t.Errorf("empty response = %q", got)
	}
}

func TestImageFormat(t *testing.T) {
	if f := imageFormat([]byte("\x89PNG\r\n\x1a\n")); f != "png" {
		t.Errorf("format = %s", f)
	}
	if f := imageFormat([]byte("\xff\xd8\xff\xe0")); f != "jpeg" {
		t.Errorf("format = %s", f)
	}
}
