// Command reducer is the Lambda entry point for the reduce side of the
// Worker I/O contract (SPEC_FULL.md §4.5): it is invoked asynchronously
// by the reduce coordinator with a types.ReducerPayload and writes its
// merged output to the object store directly, since nothing observes
// its return value.
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

func init() {
	logger = logging.Component(logging.New(""), "reducer")

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Fatal("load AWS config", zap.Error(err))
	}
	store = objectstore.NewS3Store(s3.NewFromConfig(cfg))
}

func handle(ctx context.Context, payload types.ReducerPayload) (types.WorkerResult, error) {
	log := logger.With(
		zap.String("jobId", payload.JobID),
		zap.Int("step", payload.StepID),
		zap.Int("reducerId", payload.ReducerID),
	)
	log.Info("reducer invoked", zap.Int("inputKeys", len(payload.Keys)), zap.Int("nReducers", payload.NReducers))

	result, err := worker.RunReducer(ctx, store, payload, log)
	if err != nil {
		log.Error("reducer failed", zap.Error(err))
		return types.WorkerResult{}, err
	}

	log.Info("reducer complete", zap.Int("lineCount", result.LineCount), zap.Float64("elapsedS", result.ElapsedS))
	return result, nil
}

func main() {
	lambda.Start(handle)
}
