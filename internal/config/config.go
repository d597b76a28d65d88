// Package config loads the driver configuration file (SPEC_FULL.md §6)
// via viper and builds the immutable JobConfig the rest of the
// orchestrator depends on. Validation happens here, once, at driver
// start — before any AWS call is made (spec.md §7, error kind 5).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/biglambda/orchestrator/internal/types"
)

// RoleEnvVar is the environment variable the Function Lifecycle Manager
// reads the IAM role identity from, per spec.md §6.
const RoleEnvVar = "serverless_mapreduce_role"

// FunctionNamePrefix is prepended to every job-derived function name,
// mirroring the reference source's "BL" prefix.
const FunctionNamePrefix = "BL"

// functionSpec mirrors one of the mapper/reducer/reducerCoordinator
// sub-objects in the driver configuration file.
type functionSpec struct {
	Name    string `mapstructure:"name"`
	Handler string `mapstructure:"handler"`
	Zip     string `mapstructure:"zip"`
}

// DriverConfig is the decoded shape of the driver configuration file,
// with mapstructure tags matching spec.md §6's field names exactly.
type DriverConfig struct {
	Bucket               string       `mapstructure:"bucket"`
	Prefix               string       `mapstructure:"prefix"`
	JobBucket            string       `mapstructure:"jobBucket"`
	Region               string       `mapstructure:"region"`
	LambdaMemory         int          `mapstructure:"lambdaMemory"`
	ConcurrentLambdas    int          `mapstructure:"concurrentLambdas"`
	LambdaReadTimeout    int          `mapstructure:"lambda_read_timeout"`
	BotoMaxConnections   int          `mapstructure:"boto_max_connections"`
	Mapper               functionSpec `mapstructure:"mapper"`
	Reducer              functionSpec `mapstructure:"reducer"`
	ReducerCoordinator   functionSpec `mapstructure:"reducerCoordinator"`
	MetricsGatewayURL    string       `mapstructure:"metricsGatewayUrl"`
	PollIntervalSeconds  int          `mapstructure:"pollIntervalSeconds"`
	JobTimeoutSeconds    int          `mapstructure:"jobTimeoutSeconds"`
}

// LoadDriverConfig reads and decodes the driver configuration file at
// path.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("pollIntervalSeconds", 5)
	v.SetDefault("jobTimeoutSeconds", 3600)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read driver config %s: %w", path, err)
	}

	var cfg DriverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode driver config %s: %w", path, err)
	}
	return &cfg, nil
}

// BuildJobConfig combines a decoded DriverConfig, a job id, and the
// process environment into the immutable JobConfig the orchestrator
// depends on for the rest of the job's lifetime.
func BuildJobConfig(driver *DriverConfig, jobID string) (types.JobConfig, error) {
	role := os.Getenv(RoleEnvVar)
	if role == "" {
		return types.JobConfig{}, fmt.Errorf(
			"missing required environment variable %s: the Function Lifecycle Manager cannot create Lambda functions without an execution role",
			RoleEnvVar)
	}

	if jobID == "" {
		return types.JobConfig{}, fmt.Errorf("job id must not be empty")
	}

	if driver.Bucket == "" || driver.JobBucket == "" {
		return types.JobConfig{}, fmt.Errorf("driver config must set both bucket and jobBucket")
	}

	return types.JobConfig{
		JobID:              jobID,
		Region:             driver.Region,
		InputBucket:        driver.Bucket,
		InputPrefix:        driver.Prefix,
		JobBucket:          driver.JobBucket,
		WorkerMemoryMB:     driver.LambdaMemory,
		ConcurrentWorkers:  driver.ConcurrentLambdas,
		InvokeTimeoutSec:   driver.LambdaReadTimeout,
		ConnectionPoolSize: driver.BotoMaxConnections,
		Role:               role,
		FunctionNamePrefix: FunctionNamePrefix,
		Mapper: types.FunctionArtifact{
			Handler:    driver.Mapper.Handler,
			ZipPath:    driver.Mapper.Zip,
			MemoryMB:   int32(driver.LambdaMemory),
			TimeoutSec: int32(driver.LambdaReadTimeout),
		},
		Reducer: types.FunctionArtifact{
			Handler:    driver.Reducer.Handler,
			ZipPath:    driver.Reducer.Zip,
			MemoryMB:   int32(driver.LambdaMemory),
			TimeoutSec: int32(driver.LambdaReadTimeout),
		},
		ReducerCoordinator: types.FunctionArtifact{
			Handler:    driver.ReducerCoordinator.Handler,
			ZipPath:    driver.ReducerCoordinator.Zip,
			MemoryMB:   int32(driver.LambdaMemory),
			TimeoutSec: int32(driver.LambdaReadTimeout),
		},
	}, nil
}
