// Package worker implements the reference Map and Reduce Worker I/O
// contracts (SPEC_FULL.md §4.5): reading CSV input keyed by the first
// eight characters of its first column, summing the fourth column per
// key, and merging partial mappings by summing accumulators for equal
// keys — an associative, commutative fold safe to apply across any
// reduce-tree shape. Grounded directly on
// original_source/src/python/mapper.py and reducer.py.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/objectstore"
	"github.com/biglambda/orchestrator/internal/types"
)

// keyPrefixLen is how many leading characters of a CSV row's first field
// form the grouping key, matching the reference mapper's srcIp[:8].
const keyPrefixLen = 8

// Map reads every key's CSV content from bucket and folds it into a
// single key -> accumulator mapping. A malformed row is logged and
// skipped; it never fails the invocation (spec.md §4.5, §7 kind 3).
func Map(ctx context.Context, store objectstore.Store, bucket string, keys []string, logger *zap.Logger) (map[string]float64, int, error) {
	output := make(map[string]float64)
	lineCount := 0

	for _, key := range keys {
		data, _, err := store.Get(ctx, bucket, key)
		if err != nil {
			return nil, 0, fmt.Errorf("get %s/%s: %w", bucket, key, err)
		}

		for _, line := range strings.Split(string(data), "\n") {
			if line == "" {
				continue
			}
			lineCount++

			fields := strings.Split(line, ",")
			if len(fields) < 4 {
				logger.Warn("skipping malformed record", zap.String("key", key))
				continue
			}

			prefix := fields[0]
			if len(prefix) > keyPrefixLen {
				prefix = prefix[:keyPrefixLen]
			}

			val, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
			if err != nil {
				logger.Warn("skipping unparsable value", zap.String("key", key), zap.Error(err))
				continue
			}
			output[prefix] += val
		}
	}

	return output, lineCount, nil
}

// Reduce merges every key's JSON-encoded partial mapping from bucket,
// summing accumulators for equal keys. An unreadable partial is logged
// and skipped, same tolerance policy as Map.
func Reduce(ctx context.Context, store objectstore.Store, bucket string, keys []string, logger *zap.Logger) (map[string]float64, int, error) {
	results := make(map[string]float64)
	lineCount := 0

	for _, key := range keys {
		data, _, err := store.Get(ctx, bucket, key)
		if err != nil {
			return nil, 0, fmt.Errorf("get %s/%s: %w", bucket, key, err)
		}

		var partial map[string]float64
		if err := json.Unmarshal(data, &partial); err != nil {
			logger.Warn("skipping unreadable reducer input", zap.String("key", key), zap.Error(err))
			continue
		}
		for k, v := range partial {
			lineCount++
			results[k] += v
		}
	}

	return results, lineCount, nil
}

// RunMapper executes one full mapper invocation: read every input key,
// aggregate, write the result to {job_id}/task/mapper/{mapper_id}, and
// return the invocation's stats per spec.md §4.5.
func RunMapper(ctx context.Context, store objectstore.Store, payload types.MapperPayload, logger *zap.Logger) (types.WorkerResult, error) {
	start := time.Now()

	output, lineCount, err := Map(ctx, store, payload.Bucket, payload.Keys, logger)
	if err != nil {
		return types.WorkerResult{}, err
	}
	elapsed := time.Since(start).Seconds()

	body, err := json.Marshal(output)
	if err != nil {
		return types.WorkerResult{}, fmt.Errorf("encode mapper output: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s/%d", payload.JobID, types.TaskSegment, types.MapperRole, payload.MapperID)
	if err := store.Put(ctx, payload.JobBucket, key, body, workerMetadata(lineCount, elapsed)); err != nil {
		return types.WorkerResult{}, fmt.Errorf("write mapper output: %w", err)
	}

	return types.WorkerResult{InputCount: len(payload.Keys), LineCount: lineCount, ElapsedS: elapsed}, nil
}

// RunReducer executes one full reducer invocation: merge every input
// key's partial mapping, write the merged result either to the next
// reduce step or, when nReducers == 1, to {job_id}/result, per
// spec.md §4.4's terminal-step rule.
func RunReducer(ctx context.Context, store objectstore.Store, payload types.ReducerPayload, logger *zap.Logger) (types.WorkerResult, error) {
	start := time.Now()

	merged, lineCount, err := Reduce(ctx, store, payload.JobBucket, payload.Keys, logger)
	if err != nil {
		return types.WorkerResult{}, err
	}
	elapsed := time.Since(start).Seconds()

	body, err := json.Marshal(merged)
	if err != nil {
		return types.WorkerResult{}, fmt.Errorf("encode reducer output: %w", err)
	}

	key := payload.JobID + "/" + types.ResultKey
	if payload.NReducers != 1 {
		key = fmt.Sprintf("%s/%s/%s/%d/%d", payload.JobID, types.TaskSegment, types.ReducerRole, payload.StepID, payload.ReducerID)
	}

	if err := store.Put(ctx, payload.JobBucket, key, body, workerMetadata(lineCount, elapsed)); err != nil {
		return types.WorkerResult{}, fmt.Errorf("write reducer output: %w", err)
	}

	return types.WorkerResult{InputCount: len(payload.Keys), LineCount: lineCount, ElapsedS: elapsed}, nil
}

func workerMetadata(lineCount int, elapsedS float64) map[string]string {
	return map[string]string{
		types.MetaLineCount:      strconv.Itoa(lineCount),
		types.MetaProcessingTime: strconv.FormatFloat(elapsedS, 'f', -1, 64),
		types.MetaMemoryUsage:    strconv.FormatUint(memoryUsageBytes(), 10),
	}
}

// memoryUsageBytes approximates the reference worker's
// resource.getrusage(...).ru_maxrss sample with the Go runtime's own
// memory accounting — portable across the platforms Go targets, unlike
// a syscall.Rusage read.
func memoryUsageBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
