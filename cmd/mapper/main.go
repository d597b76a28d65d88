// Command mapper is the Lambda entry point for the map side of the
// Worker I/O contract (SPEC_FULL.md §4.5): it is invoked synchronously
// by the driver with a types.MapperPayload and returns a
// types.WorkerResult.
package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/logging"
	"github.com/biglambda/orchestrator/internal/objectstore"
	"github.com/biglambda/orchestrator/internal/types"
	"github.com/biglambda/orchestrator/internal/worker"
)

var (
	logger *zap.Logger
	store  objectstore.Store
)

// init runs once per cold start and is reused across warm invocations,
// the same module-level client pattern the teacher's own generators use
// to avoid re-dialing on every call.
func init() {
	logger = logging.Component(logging.New(""), "mapper")

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Fatal("load AWS config", zap.Error(err))
	}
	store = objectstore.NewS3Store(s3.NewFromConfig(cfg))
}

func handle(ctx context.Context, payload types.MapperPayload) (types.WorkerResult, error) {
	log := logger.With(zap.String("jobId", payload.JobID), zap.Int("mapperId", payload.MapperID))
	log.Info("mapper invoked", zap.Int("inputKeys", len(payload.Keys)))

	result, err := worker.RunMapper(ctx, store, payload, log)
	if err != nil {
		log.Error("mapper failed", zap.Error(err))
		return types.WorkerResult{}, err
	}

	log.Info("mapper complete", zap.Int("lineCount", result.LineCount), zap.Float64("elapsedS", result.ElapsedS))
	return result, nil
}

func main() {
	lambda.Start(handle)
}
