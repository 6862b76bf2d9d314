package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/qmdoc/internal/common"
)

const requestIDHeader = "x-request-id"

// UnaryLogging tags each call with a request id and logs its outcome.
// Handler errors that are not already statuses are mapped with common.ToStatus.
func UnaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		reqID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(requestIDHeader); len(v) > 0 {
				reqID = v[0]
			}
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx = common.WithRequestID(ctx, reqID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, reqID))

		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			if _, ok := status.FromError(err); !ok {
				err = common.ToStatus(err)
			}
		}
		logger.Info("rpc.done",
			"req_id", reqID,
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}
