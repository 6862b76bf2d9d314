package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
)

// GCSStore keeps one JSON object per stage result. Writes are conditional on
// the object not existing, which gives insert-if-absent without locking.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	log    *slog.Logger
}

func OpenGCS(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*GCSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	logger.Info("store.opened", "backend", BackendGCS, "bucket", bucket, "prefix", prefix)
	return &GCSStore{client: client, bucket: client.Bucket(bucket), prefix: prefix, log: logger}, nil
}

func objectName(prefix string, key pipeline.StageKey) string {
	return path.Join(prefix, key.ContentHash, fmt.Sprintf("stage-%d", key.Stage), key.Preference+".json")
}

func (g *GCSStore) Get(ctx context.Context, key pipeline.StageKey) (pipeline.StageResult, bool, error) {
	r, err := g.bucket.Object(objectName(g.prefix, key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return pipeline.StageResult{}, false, nil
	}
	if err != nil {
		return pipeline.StageResult{}, false, fmt.Errorf("read stage result %s: %w: %w", key, common.ErrStorage, err)
	}
	defer r.Close()

	var res pipeline.StageResult
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return pipeline.StageResult{}, false, fmt.Errorf("decode stage result %s: %w: %w", key, common.ErrStorage, err)
	}
	return res, true, nil
}

func (g *GCSStore) Put(ctx context.Context, key pipeline.StageKey, res pipeline.StageResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode stage result: %w", err)
	}
	name := objectName(g.prefix, key)
	w := g.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		if alreadyExists(err) {
			return nil
		}
		return fmt.Errorf("write %s: %w: %w", name, common.ErrStorage, err)
	}
	if err := w.Close(); err != nil {
		if alreadyExists(err) {
			g.log.Debug("store.put.exists", "object", name)
			return nil
		}
		return fmt.Errorf("finalize %s: %w: %w", name, common.ErrStorage, err)
	}
	return nil
}

// alreadyExists reports a failed DoesNotExist precondition.
func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (g *GCSStore) Ping(ctx context.Context) error {
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("bucket attrs: %w", err)
	}
	return nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}
