// Package driver implements the top-level client process
// (SPEC_FULL.md §4.3): it enumerates inputs, asks the Batcher for map
// batches, installs the mapper/reducer/coordinator functions, dispatches
// mappers with bounded concurrency, and polls the object store until the
// reduce pipeline produces a final result.
package driver

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/batch"
	"github.com/biglambda/orchestrator/internal/invoker"
	"github.com/biglambda/orchestrator/internal/lifecycle"
	"github.com/biglambda/orchestrator/internal/metrics"
	"github.com/biglambda/orchestrator/internal/objectstore"
	"github.com/biglambda/orchestrator/internal/types"
	"github.com/biglambda/orchestrator/pkg/mapreduce"
)

// jobInfoFileName is the name the coordinator's handler expects its
// packaged job parameters under, per spec.md §6.
const jobInfoFileName = "jobinfo.json"

// Driver runs a single job to completion.
type Driver struct {
	store     objectstore.Store
	invoker   invoker.Invoker
	lifecycle *lifecycle.Manager
	metrics   *metrics.JobMetrics
	logger    *zap.Logger
}

// New builds a Driver.
func New(store objectstore.Store, inv invoker.Invoker, lc *lifecycle.Manager, m *metrics.JobMetrics, logger *zap.Logger) *Driver {
	return &Driver{store: store, invoker: inv, lifecycle: lc, metrics: m, logger: logger}
}

// Result summarizes a completed job for the caller to report.
type Result struct {
	MapCount    int
	ReduceSteps int
	LineCount   int
	ElapsedS    float64
	// ReducerElapsedS is the sum of every reducer invocation's own
	// reported processing time across the whole reduce tree — the
	// terminal result object plus every task/reducer/{step}/{id}
	// output — recovered per spec.md §4.3 step 7. It measures Lambda
	// time spent reducing, not wall clock, so it is typically much
	// smaller than ElapsedS once steps overlap or queue.
	ReducerElapsedS float64
}

// Run executes cfg from input enumeration through to a terminal result
// object, per the sequence in spec.md §4.3.
func (d *Driver) Run(ctx context.Context, cfg types.JobConfig, pollInterval, jobTimeout time.Duration) (Result, error) {
	start := time.Now()

	inputs, err := d.store.List(ctx, cfg.InputBucket, cfg.InputPrefix)
	if err != nil {
		return Result{}, fmt.Errorf("enumerate inputs under %s/%s: %w", cfg.InputBucket, cfg.InputPrefix, err)
	}
	if len(inputs) == 0 {
		return Result{}, fmt.Errorf("no input objects found under %s/%s", cfg.InputBucket, cfg.InputPrefix)
	}

	batches := batch.Batches(inputs, cfg.WorkerMemoryMB, cfg.ConcurrentWorkers)
	mapCount := len(batches)
	d.logger.Info("planned map stage", zap.Int("mapCount", mapCount), zap.Int("inputObjects", len(inputs)))

	mapperFn, reducerFn, coordinatorFn, err := d.installFunctions(ctx, cfg, mapCount)
	if err != nil {
		return Result{}, err
	}
	d.logger.Debug("installed functions",
		zap.String("mapper", mapperFn.ARN), zap.String("reducer", reducerFn.ARN), zap.String("coordinator", coordinatorFn.ARN))

	if err := d.lifecycle.GrantInvokePermission(ctx, coordinatorFn, cfg.JobBucket); err != nil {
		return Result{}, err
	}
	notifyPrefix := lifecycle.CoordinatorNotificationPrefix(cfg.JobID)
	if err := d.lifecycle.WireNotification(ctx, coordinatorFn, cfg.JobBucket, notifyPrefix); err != nil {
		return Result{}, err
	}

	if err := d.writeJobData(ctx, cfg, mapCount, len(inputs), start); err != nil {
		return Result{}, err
	}

	if _, err := d.dispatchMappers(ctx, cfg, batches, mapperFn.Name); err != nil {
		return Result{}, fmt.Errorf("dispatch mappers: %w", err)
	}

	lineCount, resultMeta, err := d.awaitResult(ctx, cfg, pollInterval, jobTimeout)
	if err != nil {
		return Result{}, err
	}

	reduceSteps := d.countReduceSteps(ctx, cfg)
	reducerElapsed := d.accountReduceTiming(ctx, cfg, resultMeta)
	elapsed := time.Since(start).Seconds()
	d.metrics.SetReduceSteps(reduceSteps)
	d.metrics.SetJobDuration(elapsed)

	return Result{
		MapCount:        mapCount,
		ReduceSteps:     reduceSteps,
		LineCount:       lineCount,
		ElapsedS:        elapsed,
		ReducerElapsedS: reducerElapsed,
	}, nil
}

// installFunctions ensures the mapper, reducer, and coordinator
// functions exist and point at the job's code artifacts, per
// SPEC_FULL.md §4.2. The coordinator's artifact is repackaged with a
// fresh jobinfo.json on every install so concurrently running jobs never
// share a coordinator's static parameters (SPEC_FULL.md §4.4,
// resolving the function-naming Open Question in spec.md §9).
func (d *Driver) installFunctions(ctx context.Context, cfg types.JobConfig, mapCount int) (mapperFn, reducerFn, coordinatorFn lifecycle.InstalledFunction, err error) {
	mapperZip, err := os.ReadFile(cfg.Mapper.ZipPath)
	if err != nil {
		err = fmt.Errorf("read mapper artifact %s: %w", cfg.Mapper.ZipPath, err)
		return
	}
	mapperFn, err = d.lifecycle.Install(ctx, lifecycle.InstallRequest{
		FunctionName: cfg.MapperFunctionName(),
		Handler:      cfg.Mapper.Handler,
		CodeZip:      mapperZip,
		MemoryMB:     cfg.Mapper.MemoryMB,
		TimeoutSec:   cfg.Mapper.TimeoutSec,
		Role:         cfg.Role,
	})
	if err != nil {
		err = fmt.Errorf("install mapper: %w", err)
		return
	}

	reducerZip, err := os.ReadFile(cfg.Reducer.ZipPath)
	if err != nil {
		err = fmt.Errorf("read reducer artifact %s: %w", cfg.Reducer.ZipPath, err)
		return
	}
	reducerFn, err = d.lifecycle.Install(ctx, lifecycle.InstallRequest{
		FunctionName: cfg.ReducerFunctionName(),
		Handler:      cfg.Reducer.Handler,
		CodeZip:      reducerZip,
		MemoryMB:     cfg.Reducer.MemoryMB,
		TimeoutSec:   cfg.Reducer.TimeoutSec,
		Role:         cfg.Role,
	})
	if err != nil {
		err = fmt.Errorf("install reducer: %w", err)
		return
	}

	jobInfo := types.JobInfo{
		JobID:           cfg.JobID,
		JobBucket:       cfg.JobBucket,
		MapCount:        mapCount,
		ReducerFunction: reducerFn.Name,
		ReducerHandler:  cfg.Reducer.Handler,
	}
	coordinatorZip, err := packageCoordinatorArtifact(cfg.ReducerCoordinator.ZipPath, jobInfo)
	if err != nil {
		return
	}
	coordinatorFn, err = d.lifecycle.Install(ctx, lifecycle.InstallRequest{
		FunctionName: cfg.CoordinatorFunctionName(),
		Handler:      cfg.ReducerCoordinator.Handler,
		CodeZip:      coordinatorZip,
		MemoryMB:     cfg.ReducerCoordinator.MemoryMB,
		TimeoutSec:   cfg.ReducerCoordinator.TimeoutSec,
		Role:         cfg.Role,
	})
	if err != nil {
		err = fmt.Errorf("install coordinator: %w", err)
	}
	return
}

func (d *Driver) writeJobData(ctx context.Context, cfg types.JobConfig, mapCount, totalInputs int, start time.Time) error {
	jobData := types.JobData{
		MapCount:     mapCount,
		TotalS3Files: totalInputs,
		StartTime:    float64(start.UnixNano()) / 1e9,
	}
	raw, err := json.Marshal(jobData)
	if err != nil {
		return fmt.Errorf("encode jobdata: %w", err)
	}
	key := cfg.JobID + "/" + types.JobDataKey
	if err := d.store.Put(ctx, cfg.JobBucket, key, raw, nil); err != nil {
		return fmt.Errorf("write jobdata: %w", err)
	}
	return nil
}

// dispatchSummary folds mapper results across the whole map stage. It
// is discarded by Run once dispatched — the authoritative line count for
// the job comes from the final result object's metadata, per
// spec.md §4.3 step 7.
type dispatchSummary struct {
	InputCount int
	LineCount  int
	ElapsedS   float64
}

// dispatchMappers launches one synchronous mapper invocation per batch,
// reusing pkg/mapreduce as the bounded-concurrency substrate
// (SPEC_FULL.md §4.3): WithWorkers caps in-flight invocations at
// cfg.ConcurrentWorkers, and a single mapper failure cancels the
// remaining dispatch and surfaces as a driver-fatal error.
func (d *Driver) dispatchMappers(ctx context.Context, cfg types.JobConfig, batches []types.Batch, mapperFunction string) (dispatchSummary, error) {
	generate := func(source chan<- int) {
		for i := 1; i <= len(batches); i++ {
			source <- i
		}
	}

	mapperFn := func(item int, writer mapreduce.Writer[types.WorkerResult], cancel func(error)) {
		b := batches[item-1]
		payload := types.MapperPayload{
			Bucket:    cfg.InputBucket,
			Keys:      b.Keys(),
			JobBucket: cfg.JobBucket,
			JobID:     cfg.JobID,
			MapperID:  item,
		}

		var result types.WorkerResult
		if err := d.invoker.InvokeSync(ctx, mapperFunction, payload, &result); err != nil {
			cancel(fmt.Errorf("mapper %d: %w", item, err))
			return
		}
		if result.Err != "" {
			d.logger.Warn("mapper reported skipped records",
				zap.Int("mapperId", item), zap.String("detail", result.Err))
		}
		d.metrics.ObserveMapper(result.LineCount, result.ElapsedS)
		writer.Write(result)
	}

	reducerFn := func(pipe <-chan types.WorkerResult, writer mapreduce.Writer[dispatchSummary], cancel func(error)) {
		var summary dispatchSummary
		for r := range pipe {
			summary.InputCount += r.InputCount
			summary.LineCount += r.LineCount
			summary.ElapsedS += r.ElapsedS
		}
		writer.Write(summary)
	}

	return mapreduce.MapReduce(generate, mapperFn, reducerFn,
		mapreduce.WithContext(ctx), mapreduce.WithWorkers(cfg.ConcurrentWorkers))
}

// awaitResult polls {job_id}/ for the result object every pollInterval,
// bounded by jobTimeout, per spec.md §4.3 step 7 and §5's guidance that
// implementations SHOULD add a wall-clock cap. It returns the result
// object's line count and its raw metadata, so the caller can recover
// the rest of the metadata contract (processing time, memory usage)
// without a second round trip to fetch the same object.
func (d *Driver) awaitResult(ctx context.Context, cfg types.JobConfig, pollInterval, jobTimeout time.Duration) (int, map[string]string, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	resultKey := cfg.JobID + "/" + types.ResultKey
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		_, meta, err := d.store.Get(deadlineCtx, cfg.JobBucket, resultKey)
		if err == nil {
			lineCount, _ := strconv.Atoi(meta[types.MetaLineCount])
			return lineCount, meta, nil
		}

		select {
		case <-deadlineCtx.Done():
			return 0, nil, fmt.Errorf("timed out waiting for %s: %w", resultKey, deadlineCtx.Err())
		case <-ticker.C:
		}
	}
}

func (d *Driver) countReduceSteps(ctx context.Context, cfg types.JobConfig) int {
	refs, err := d.store.List(ctx, cfg.JobBucket, cfg.JobID+"/"+types.StatePrefix)
	if err != nil {
		d.logger.Warn("could not count reduce steps for metrics", zap.Error(err))
		return 0
	}
	return len(refs)
}

// accountReduceTiming sums every reducer Lambda invocation's own
// reported processing time across the whole reduce tree — the terminal
// result object (already fetched by awaitResult, passed in as
// resultMeta) plus every task/reducer/{step}/{id} output still present
// under the job prefix — mirroring the reducer_lambda_time accumulation
// in original_source/src/python/driver.py (it walks the same job
// listing, adding the result object's processingtime and then every
// task/reducer key's). Each invocation is also fed through
// ObserveReducer, which is otherwise never called.
func (d *Driver) accountReduceTiming(ctx context.Context, cfg types.JobConfig, resultMeta map[string]string) float64 {
	var total float64
	observe := func(meta map[string]string) {
		lineCount, _ := strconv.Atoi(meta[types.MetaLineCount])
		elapsed, _ := strconv.ParseFloat(meta[types.MetaProcessingTime], 64)
		d.metrics.ObserveReducer(lineCount, elapsed)
		total += elapsed
	}

	observe(resultMeta)

	prefix := cfg.JobID + "/" + types.TaskSegment + "/" + types.ReducerRole + "/"
	refs, err := d.store.List(ctx, cfg.JobBucket, prefix)
	if err != nil {
		d.logger.Warn("could not list reducer outputs for metrics", zap.Error(err))
		return total
	}

	for _, ref := range refs {
		_, meta, err := d.store.Get(ctx, cfg.JobBucket, ref.Key)
		if err != nil {
			d.logger.Warn("could not read reducer output for metrics", zap.String("key", ref.Key), zap.Error(err))
			continue
		}
		observe(meta)
	}

	return total
}

// packageCoordinatorArtifact rewrites the zip at zipPath, replacing any
// existing jobinfo.json entry with one encoding info, mirroring
// original_source/driver.py's write_job_config.
func packageCoordinatorArtifact(zipPath string, info types.JobInfo) ([]byte, error) {
	raw, err := os.ReadFile(zipPath)
	if err != nil {
		return nil, fmt.Errorf("read coordinator artifact %s: %w", zipPath, err)
	}

	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open coordinator artifact %s: %w", zipPath, err)
	}

	infoJSON, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", jobInfoFileName, err)
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range reader.File {
		if f.Name == jobInfoFileName {
			continue
		}
		if err := copyZipEntry(w, f); err != nil {
			return nil, err
		}
	}

	entry, err := w.Create(jobInfoFileName)
	if err != nil {
		return nil, fmt.Errorf("create %s entry: %w", jobInfoFileName, err)
	}
	if _, err := entry.Write(infoJSON); err != nil {
		return nil, fmt.Errorf("write %s entry: %w", jobInfoFileName, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close coordinator artifact: %w", err)
	}
	return buf.Bytes(), nil
}

func copyZipEntry(w *zip.Writer, f *zip.File) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := w.CreateHeader(&zip.FileHeader{Name: f.Name, Method: f.Method, Modified: f.Modified})
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", f.Name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy zip entry %s: %w", f.Name, err)
	}
	return nil
}
