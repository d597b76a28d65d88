// Command coordinator is the Lambda entry point for the Reduce
// Coordinator (SPEC_FULL.md §4.4). It is subscribed to S3 object-created
// notifications under {job_id}/task and reconstructs the job's state
// from scratch on every invocation; it carries no state of its own
// beyond the static job parameters packaged alongside it as
// jobinfo.json, read once at cold start, mirroring
// original_source/reducerCoordinator.py's open('./jobinfo.json').
package main

import (
	"context"
	"encoding/json"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/coordinator"
	"github.com/biglambda/orchestrator/internal/invoker"
	"github.com/biglambda/orchestrator/internal/logging"
	"github.com/biglambda/orchestrator/internal/objectstore"
	"github.com/biglambda/orchestrator/internal/types"
)

const jobInfoPath = "./jobinfo.json"

var (
	logger *zap.Logger
	coord  *coordinator.Coordinator
	info   types.JobInfo
)

func init() {
	raw, err := os.ReadFile(jobInfoPath)
	if err != nil {
		panic("coordinator: read " + jobInfoPath + ": " + err.Error())
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		panic("coordinator: decode " + jobInfoPath + ": " + err.Error())
	}

	logger = logging.Component(logging.New(info.JobID), "coordinator")

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Fatal("load AWS config", zap.Error(err))
	}

	store := objectstore.NewS3Store(s3.NewFromConfig(cfg))
	inv := invoker.NewLambdaInvoker(lambda.NewFromConfig(cfg))
	coord = coordinator.New(store, inv, logger)
}

func handle(ctx context.Context, event events.S3Event) error {
	if len(event.Records) == 0 {
		logger.Warn("coordinator invoked with no S3 records")
		return nil
	}

	bucket := event.Records[0].S3.Bucket.Name
	jobInfo := info
	jobInfo.JobBucket = bucket

	return coord.Handle(ctx, jobInfo)
}

func main() {
	awslambda.Start(handle)
}
