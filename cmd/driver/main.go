// Command driver is the top-level client process (SPEC_FULL.md §4.3):
// it loads the driver configuration, builds a JobConfig for a given job
// id, and runs a job to completion against real AWS services.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/config"
	"github.com/biglambda/orchestrator/internal/driver"
	"github.com/biglambda/orchestrator/internal/invoker"
	"github.com/biglambda/orchestrator/internal/lifecycle"
	"github.com/biglambda/orchestrator/internal/logging"
	"github.com/biglambda/orchestrator/internal/metrics"
	"github.com/biglambda/orchestrator/internal/objectstore"
)

func main() {
	var configPath string
	var jobID string

	root := &cobra.Command{
		Use:   "driver",
		Short: "Run a serverless MapReduce job to completion",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Enumerate inputs, install functions, dispatch mappers, and wait for a result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), configPath, jobID)
		},
	}
	run.Flags().StringVar(&configPath, "config", "driverconfig.json", "path to the driver configuration file")
	run.Flags().StringVar(&jobID, "job-id", "", "unique job id (required)")
	if err := run.MarkFlagRequired("job-id"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runJob(ctx context.Context, configPath, jobID string) error {
	driverCfg, err := config.LoadDriverConfig(configPath)
	if err != nil {
		return fmt.Errorf("load driver config: %w", err)
	}

	jobCfg, err := config.BuildJobConfig(driverCfg, jobID)
	if err != nil {
		return fmt.Errorf("build job config: %w", err)
	}

	logger := logging.New(jobID)
	defer logger.Sync()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(driverCfg.Region))
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	store := objectstore.NewS3Store(s3.NewFromConfig(awsCfg))
	inv := invoker.NewLambdaInvoker(lambda.NewFromConfig(awsCfg))
	lc := lifecycle.New(lambda.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), iam.NewFromConfig(awsCfg), logger)
	jobMetrics := metrics.New(jobID)

	d := driver.New(store, inv, lc, jobMetrics, logger)

	pollInterval := time.Duration(driverCfg.PollIntervalSeconds) * time.Second
	jobTimeout := time.Duration(driverCfg.JobTimeoutSeconds) * time.Second

	result, err := d.Run(ctx, jobCfg, pollInterval, jobTimeout)
	if err != nil {
		logger.Error("job failed", zap.Error(err))
		return err
	}

	logger.Info("job complete",
		zap.Int("mapCount", result.MapCount),
		zap.Int("reduceSteps", result.ReduceSteps),
		zap.Int("lineCount", result.LineCount),
		zap.Float64("elapsedS", result.ElapsedS),
		zap.Float64("reducerElapsedS", result.ReducerElapsedS),
	)

	if driverCfg.MetricsGatewayURL != "" {
		if err := jobMetrics.Push(driverCfg.MetricsGatewayURL, jobID); err != nil {
			logger.Warn("failed to push metrics", zap.Error(err))
		}
	}

	return nil
}
