package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/async"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
)

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	return &common.Config{
		Log:    common.LogConfig{Level: "error", Format: "json"},
		Server: common.ServerConfig{OutboxDir: t.TempDir()},
		Render: common.RenderConfig{DPI: 150, MaxPages: 2, MaxDimension: 1024, CacheEntries: 4, Pdftoppm: "pdftoppm"},
		LLM: common.LLMConfig{
			ProbeTimeout:     time.Second,
			CallTimeout:      5 * time.Second,
			RetryMaxAttempts: 2,
			RetryBaseDelay:   time.Millisecond,
			RetryMaxDelay:    time.Millisecond,
			ImageTokenCost:   1105,
			Providers: []common.ProviderConfig{
				{ID: "local", Kind: common.KindOpenAIHTTP, Model: "qwen2.5-vl", BaseURL: "http://127.0.0.1:1", Priority: 40, Capabilities: []string{"vision", "text"}},
				{ID: "claude", Kind: common.KindAnthropic, Model: "claude-sonnet-4-5", APIKey: "sk-test", Priority: 90, ContextLimit: 200000, Capabilities: []string{"vision"}},
			},
		},
		Verify:   common.VerifyConfig{HighThreshold: 90, MediumThreshold: 70, FuzzyThreshold: 0.85},
		Store:    common.StoreConfig{Backend: "memory"},
		Pipeline: common.PipelineConfig{DefaultDocumentType: "generic", DefaultPreference: "auto"},
	}
}

func TestNewRegistersProviders(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	var got []string
	for _, d := range a.Registry.Descriptors() {
		got = append(got, d.ID)
	}
	if diff := cmp.Diff([]string{"claude", "local", constants.RuleBasedProviderID}, got); diff != "" {
		t.Errorf("chain order mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verify.MediumThreshold = 95
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("New accepted medium > high")
	}
}

func TestNewProviderUnknownKind(t *testing.T) {
	_, closeFn, err := NewProvider(context.Background(), common.ProviderConfig{ID: "x", Kind: "bard"}, nil)
	if !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	if closeFn == nil || closeFn() != nil {
		t.Error("close func must be a no-op")
	}
}

func TestDescriptor(t *testing.T) {
	d := Descriptor(common.ProviderConfig{
		ID: "openai", Model: "gpt-4o", Priority: 100, ContextLimit: 128000, Capabilities: []string{"vision", "text"},
	}, llm.KindRemoteHTTP)
	want := llm.Descriptor{
		ID:           "openai",
		Priority:     100,
		Capabilities: []llm.Capability{llm.CapabilityVision, llm.CapabilityText},
		ContextLimit: 128000,
		Model:        "gpt-4o",
		Kind:         llm.KindRemoteHTTP,
		Probe:        true,
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	rep := &pipeline.Report{RunID: "run-1", ContentHash: "0123456789abcdef", PipelineSuccess: true}

	path, err := WriteReport(dir, "/inbox/QMH-001.pdf", rep)
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if want := filepath.Join(dir, "QMH-001.0123456789ab.json"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got pipeline.Report
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if got.RunID != "run-1" || !got.PipelineSuccess {
		t.Errorf("decoded report = %+v", got)
	}
}

func TestProcessRejectsUnsupportedFile(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	p := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := a.Process(context.Background(), async.Job{Path: p}); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("Process err = %v, want ErrInvalidInput", err)
	}
}
