// Package types holds the data shapes shared across the driver, the
// lifecycle manager, and the reduce coordinator: object references,
// batches, job configuration, and the wire payloads exchanged with
// worker Lambda invocations.
package types

import "fmt"

// ObjectRef identifies a single object in the object store. Input
// objects and every intermediate or final artifact a job produces are
// ObjectRefs.
type ObjectRef struct {
	Bucket string
	Key    string
	Size   int64
}

func (o ObjectRef) String() string {
	return fmt.Sprintf("s3://%s/%s", o.Bucket, o.Key)
}

// Batch is an ordered sequence of ObjectRefs assigned to a single
// worker invocation.
type Batch []ObjectRef

// Keys returns the bare object keys in a batch, preserving order.
func (b Batch) Keys() []string {
	keys := make([]string, len(b))
	for i, ref := range b {
		keys[i] = ref.Key
	}
	return keys
}

// TotalSize sums the estimated size of every object in the batch.
func (b Batch) TotalSize() int64 {
	var total int64
	for _, ref := range b {
		total += ref.Size
	}
	return total
}

// FunctionArtifact names a single deployable Lambda: its function name,
// its handler entry point, and the local path to its packaged code.
type FunctionArtifact struct {
	Name       string
	Handler    string
	ZipPath    string
	MemoryMB   int32
	TimeoutSec int32
}

// JobConfig is constructed once per job and is immutable thereafter. It
// is the process-wide configuration object the driver and the lifecycle
// manager share.
type JobConfig struct {
	JobID               string
	Region              string
	InputBucket         string
	InputPrefix         string
	JobBucket           string
	WorkerMemoryMB      int
	ConcurrentWorkers   int
	InvokeTimeoutSec    int
	ConnectionPoolSize  int
	Role                string
	Mapper              FunctionArtifact
	Reducer             FunctionArtifact
	ReducerCoordinator  FunctionArtifact
	FunctionNamePrefix  string
}

// MapperFunctionName derives the mapper's installed function name from
// the job id, per the naming scheme fixed in SPEC_FULL.md §4.4 — distinct
// job ids never collide on function name or on packaged JobInfo.
func (c JobConfig) MapperFunctionName() string {
	return fmt.Sprintf("%s-mapper-%s", c.FunctionNamePrefix, c.JobID)
}

// ReducerFunctionName derives the reducer's installed function name.
func (c JobConfig) ReducerFunctionName() string {
	return fmt.Sprintf("%s-reducer-%s", c.FunctionNamePrefix, c.JobID)
}

// CoordinatorFunctionName derives the reduce coordinator's installed
// function name.
func (c JobConfig) CoordinatorFunctionName() string {
	return fmt.Sprintf("%s-rc-%s", c.FunctionNamePrefix, c.JobID)
}

// JobInfo is the only channel by which the driver communicates static
// job parameters to the stateless coordinator. It is packaged inside the
// coordinator's code artifact as jobinfo.json.
type JobInfo struct {
	JobID           string `json:"jobId"`
	JobBucket       string `json:"jobBucket"`
	MapCount        int    `json:"mapCount"`
	ReducerFunction string `json:"reducerFunction"`
	ReducerHandler  string `json:"reducerHandler"`
}

// JobData is the driver-written job header at {job_id}/jobdata.
type JobData struct {
	MapCount        int     `json:"mapCount"`
	TotalS3Files    int     `json:"totalS3Files"`
	StartTime       float64 `json:"startTime"`
}

// ReducerState is the per-step plan the coordinator writes when it
// launches step_id; its existence is the commit record for that step.
type ReducerState struct {
	ReducerCount int     `json:"reducerCount"`
	TotalS3Files int     `json:"totalS3Files"`
	StartTime    float64 `json:"startTime"`
}

// MapperPayload is the invocation payload sent to a mapper.
type MapperPayload struct {
	Bucket    string   `json:"bucket"`
	Keys      []string `json:"keys"`
	JobBucket string   `json:"jobBucket"`
	JobID     string   `json:"jobId"`
	MapperID  int      `json:"mapperId"`
}

// ReducerPayload is the invocation payload sent to a reducer.
type ReducerPayload struct {
	Bucket     string   `json:"bucket"`
	Keys       []string `json:"keys"`
	JobBucket  string   `json:"jobBucket"`
	JobID      string   `json:"jobId"`
	NReducers  int      `json:"nReducers"`
	StepID     int      `json:"stepId"`
	ReducerID  int      `json:"reducerId"`
}

// WorkerResult is the named record a mapper or reducer invocation
// returns, replacing the positional [input_count, line_count, elapsed_s,
// err] tuple of the reference source, a source of index confusion.
type WorkerResult struct {
	InputCount int
	LineCount  int
	ElapsedS   float64
	Err        string
}

// Metadata keys every worker output object carries, consumed by the
// driver and the coordinator for metrics and step bookkeeping.
const (
	MetaLineCount      = "linecount"
	MetaProcessingTime = "processingtime"
	MetaMemoryUsage    = "memoryUsage"
)

// Key-shape constants for objects under {job_id}/, per SPEC_FULL.md §3.
const (
	JobDataKey   = "jobdata"
	ResultKey    = "result"
	TaskSegment  = "task"
	MapperRole   = "mapper"
	ReducerRole  = "reducer"
	StatePrefix  = "reducerstate."
)
