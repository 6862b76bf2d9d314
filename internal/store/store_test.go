package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/googleapi"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
)

func sampleResult(provider string) pipeline.StageResult {
	return pipeline.StageResult{
		Stage:          constants.StageStructuredAnalysis,
		Success:        true,
		StructuredData: map[string]any{"title": "Qualitätsmanagementhandbuch", "revision": "3"},
		RawResponse:    `{"title":"Qualitätsmanagementhandbuch","revision":"3"}`,
		ProviderUsed:   provider,
		Model:          "gpt-4o",
		Duration:       1500 * time.Millisecond,
		Method:         pipeline.MethodProvider,
		ParseLayer:     1,
		TokenUsage:     llm.TokenUsage{PromptTokens: 1200, CompletionTokens: 80, TotalTokens: 1280},
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	key := pipeline.NewStageKey("abc123", constants.StageStructuredAnalysis, "")
	if _, ok, err := s.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get on empty store = ok %v, err %v", ok, err)
	}

	want := sampleResult("openai")
	if err := s.Put(ctx, key, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLitePutKeepsFirst(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	key := pipeline.NewStageKey("abc123", constants.StageStructuredAnalysis, "auto")
	if err := s.Put(ctx, key, sampleResult("openai")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(ctx, key, sampleResult("anthropic")); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, _, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProviderUsed != "openai" {
		t.Errorf("ProviderUsed = %q, want first write to win", got.ProviderUsed)
	}
}

func TestSQLiteKeysAreDistinct(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if err := s.Put(ctx, pipeline.NewStageKey("h", constants.StageStructuredAnalysis, "openai"), sampleResult("openai")); err != nil {
		t.Fatal(err)
	}
	for _, key := range []pipeline.StageKey{
		pipeline.NewStageKey("h", constants.StageStructuredAnalysis, "auto"),
		pipeline.NewStageKey("h", constants.StageContextSetup, "openai"),
		pipeline.NewStageKey("other", constants.StageStructuredAnalysis, "openai"),
	} {
		if _, ok, err := s.Get(ctx, key); err != nil || ok {
			t.Errorf("Get(%s) = ok %v, err %v; want miss", key, ok, err)
		}
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestObjectName(t *testing.T) {
	key := pipeline.NewStageKey("deadbeef", constants.StageNormCompliance, "AUTO")
	if got, want := objectName("stage-results", key), "stage-results/deadbeef/stage-5/auto.json"; got != want {
		t.Errorf("objectName = %q, want %q", got, want)
	}
	if got, want := objectName("", key), "deadbeef/stage-5/auto.json"; got != want {
		t.Errorf("objectName without prefix = %q, want %q", got, want)
	}
}

func TestAlreadyExists(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&googleapi.Error{Code: http.StatusPreconditionFailed}, true},
		{fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed}), true},
		{&googleapi.Error{Code: http.StatusForbidden}, false},
		{fmt.Errorf("boom"), false},
	}
	for _, tc := range cases {
		if got := alreadyExists(tc.err); got != tc.want {
			t.Errorf("alreadyExists(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, common.StoreConfig{Backend: BackendMemory}, nil)
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	key := pipeline.NewStageKey("h", constants.StageContextSetup, "auto")
	if err := s.Put(ctx, key, sampleResult("openai")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, key); !ok {
		t.Error("memory store lost the result")
	}

	if _, err := Open(ctx, common.StoreConfig{Backend: "redis"}, nil); err == nil {
		t.Error("Open with unknown backend succeeded")
	}
}

func TestSQLiteFailuresWrapErrStorage(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	key := pipeline.NewStageKey("abc123", constants.StageContextSetup, "")
	if _, _, err := s.Get(ctx, key); !errors.Is(err, common.ErrStorage) {
		t.Errorf("Get after close = %v, want ErrStorage", err)
	}
	if err := s.Put(ctx, key, sampleResult("openai")); !errors.Is(err, common.ErrStorage) {
		t.Errorf("Put after close = %v, want ErrStorage", err)
	}
}
