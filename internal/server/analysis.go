package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/async"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/export"
	"github.com/joseph-ayodele/qmdoc/internal/ingest"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
	"github.com/joseph-ayodele/qmdoc/internal/verify"
)

// Runner runs the stage pipeline. *pipeline.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, content []byte, documentType, preference string) *pipeline.Report
}

// ProviderDirectory lists configured providers. *llm.Registry implements it.
type ProviderDirectory interface {
	Descriptors() []llm.Descriptor
	Probe(ctx context.Context, id string) bool
}

type AnalysisService struct {
	runner    Runner
	verifier  *verify.Verifier
	providers ProviderDirectory
	exporter  *export.Service
	queue     async.Queue
	stages    pipeline.StageStore
	logger    *slog.Logger
}

// NewAnalysisService wires the handlers. queue and stages may be nil, which
// disables EnqueuePath and GetStageResult respectively.
func NewAnalysisService(runner Runner, verifier *verify.Verifier, providers ProviderDirectory, exporter *export.Service, queue async.Queue, stages pipeline.StageStore, logger *slog.Logger) *AnalysisService {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = verify.Default()
	}
	if exporter == nil {
		exporter = export.NewService(logger)
	}
	return &AnalysisService{
		runner:    runner,
		verifier:  verifier,
		providers: providers,
		exporter:  exporter,
		queue:     queue,
		stages:    stages,
		logger:    logger,
	}
}

// RunPipeline analyses a document sent inline as base64 "content".
// Optional fields: document_type, provider, filename, include_xlsx.
func (s *AnalysisService) RunPipeline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	encoded := strings.TrimSpace(f["content"].GetStringValue())
	if encoded == "" {
		s.logger.Error("run pipeline request missing content")
		return nil, status.Error(codes.InvalidArgument, "content is required")
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "content must be base64: %v", err)
	}
	if len(content) > ingest.MaxDocumentBytes {
		return nil, status.Errorf(codes.InvalidArgument, "content exceeds %d bytes", ingest.MaxDocumentBytes)
	}

	docType := f["document_type"].GetStringValue()
	preference := f["provider"].GetStringValue()
	s.logger.Info("rpc.run_pipeline", "bytes", len(content), "document_type", docType, "provider", preference)

	rep := s.runner.Run(ctx, content, docType, preference)
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	out, err := toStruct(rep)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	if f["include_xlsx"].GetBoolValue() {
		xlsx, err := s.exporter.ReportXLSX(f["filename"].GetStringValue(), rep)
		if err != nil {
			s.logger.Error("export.xlsx.failed", "run_id", rep.RunID, "error", err)
			return nil, status.Errorf(codes.Internal, "export: %v", err)
		}
		out.Fields["xlsx"] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(xlsx))
	}
	return out, nil
}

// Verify grades candidate words against reference fragments without a
// provider call.
func (s *AnalysisService) Verify(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	reference, err := stringsField(f["reference_fragments"], "reference_fragments")
	if err != nil {
		return nil, err
	}
	if len(reference) == 0 {
		return nil, status.Error(codes.InvalidArgument, "reference_fragments is required")
	}
	candidates, err := stringsField(f["candidate_words"], "candidate_words")
	if err != nil {
		return nil, err
	}
	if _, ok := f["candidate_text"]; ok {
		candidates = append(candidates, verify.Tokenize(f["candidate_text"].GetStringValue())...)
	}

	cov := s.verifier.Verify(reference, candidates)
	out, err := toStruct(cov)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode coverage: %v", err)
	}
	return out, nil
}

// ListProviders returns the chain order; with "probe": true each entry
// carries an availability flag.
func (s *AnalysisService) ListProviders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.providers == nil {
		return nil, status.Error(codes.Unimplemented, "provider listing not configured")
	}
	probe := req.GetFields()["probe"].GetBoolValue()

	type row struct {
		llm.Descriptor
		Available *bool `json:"available,omitempty"`
	}
	var rows []row
	for _, d := range s.providers.Descriptors() {
		r := row{Descriptor: d}
		if probe {
			ok := s.providers.Probe(ctx, d.ID)
			r.Available = &ok
		}
		rows = append(rows, r)
	}
	out, err := toStruct(map[string]any{"providers": rows})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode providers: %v", err)
	}
	return out, nil
}

// EnqueuePath queues a document already on the server's filesystem.
func (s *AnalysisService) EnqueuePath(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.queue == nil {
		return nil, status.Error(codes.Unimplemented, "job queue not configured")
	}
	f := req.GetFields()
	path := strings.TrimSpace(f["path"].GetStringValue())
	if path == "" {
		s.logger.Error("enqueue request missing path")
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	if !ingest.AllowedExt(filepath.Ext(path)) {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported file type %q", path)
	}

	job := async.Job{
		Path:         path,
		DocumentType: f["document_type"].GetStringValue(),
		Preference:   f["provider"].GetStringValue(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Errorf(codes.Unavailable, "enqueue: %v", err)
	}
	return structpb.NewStruct(map[string]any{"queued": true, "path": path})
}

// GetStageResult returns the stored result for content_hash, stage (1-5) and
// the optional provider preference. Fallback answers are never stored, so a
// miss after a degraded run is expected.
func (s *AnalysisService) GetStageResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.stages == nil {
		return nil, status.Error(codes.Unimplemented, "stage store not configured")
	}
	f := req.GetFields()
	hash := strings.TrimSpace(f["content_hash"].GetStringValue())
	stage := f["stage"].GetNumberValue()

	v := common.NewValidator().
		Field("content_hash", hash, common.Required, common.HexDigest).
		Field("stage", stage, common.InRange(float64(constants.StageContextSetup), float64(constants.StageNormCompliance)))
	if err := v.Error(); err != nil {
		return nil, common.ToStatus(err)
	}

	key := pipeline.NewStageKey(hash, constants.StageID(stage), f["provider"].GetStringValue())
	res, ok, err := s.stages.Get(ctx, key)
	if err != nil {
		s.logger.Error("rpc.stage_result.failed", "key", key.String(), "error", err)
		return nil, common.ToStatus(err)
	}
	if !ok {
		return nil, common.ToStatus(fmt.Errorf("stage result %s: %w", key, common.ErrNotFound))
	}
	out, err := toStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stage result: %v", err)
	}
	return out, nil
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func stringsField(v *structpb.Value, name string) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a list of strings", name)
	}
	out := make([]string, 0, len(list.GetValues()))
	for i, e := range list.GetValues() {
		sv, ok := e.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "%s[%d] must be a string", name, i)
		}
		out = append(out, sv.StringValue)
	}
	return out, nil
}

var _ AnalysisServer = (*AnalysisService)(nil)
