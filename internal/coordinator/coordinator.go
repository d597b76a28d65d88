// Package coordinator implements the Reduce Coordinator
// (SPEC_FULL.md §4.4): a stateless handler invoked once per
// object-creation event under {job_id}/task. Every invocation
// reconstructs job state from scratch by listing {job_id}/ and
// classifying keys — there is no in-memory state carried between
// invocations, so the coordinator tolerates being invoked concurrently,
// repeatedly, or after a cold start with equal correctness.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/batch"
	"github.com/biglambda/orchestrator/internal/invoker"
	"github.com/biglambda/orchestrator/internal/objectstore"
	"github.com/biglambda/orchestrator/internal/syncutil"
	"github.com/biglambda/orchestrator/internal/types"
)

type stateKind int

const (
	stateMapping stateKind = iota
	stateMappersDone
	stateReducingWaiting
	stateReducingComplete
	stateResultPresent
)

// derivedState is the coordinator's entire view of a job, rebuilt fresh
// on every invocation.
type derivedState struct {
	kind           stateKind
	stepID         int
	mapperOutputs  []types.ObjectRef
	reducerOutputs []types.ObjectRef
}

// Coordinator advances a job's reduce pipeline by one step per
// invocation, or does nothing if the job isn't ready to advance.
type Coordinator struct {
	store   objectstore.Store
	invoker invoker.Invoker
	logger  *zap.Logger

	// useConditionalPut, when true, guards reducerstate.{k} writes with
	// Store.PutIfAbsent so a losing concurrent invocation skips its
	// dispatch instead of launching a duplicate reduce wave. This is the
	// optional optimization SPEC_FULL.md §4.4 calls out — disabling it
	// does not break correctness, only trades away the optimization.
	useConditionalPut bool

	now func() float64
}

// New builds a Coordinator backed by store and invoker.
func New(store objectstore.Store, inv invoker.Invoker, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:             store,
		invoker:           inv,
		logger:            logger,
		useConditionalPut: true,
		now:               func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Handle processes one object-creation event for the job described by
// info. It is safe to call concurrently and repeatedly for the same job.
func (c *Coordinator) Handle(ctx context.Context, info types.JobInfo) error {
	listing, err := c.store.List(ctx, info.JobBucket, info.JobID+"/")
	if err != nil {
		return fmt.Errorf("list job state for %s: %w", info.JobID, err)
	}

	st, err := c.deriveState(ctx, info, listing)
	if err != nil {
		return fmt.Errorf("derive state for %s: %w", info.JobID, err)
	}

	switch st.kind {
	case stateResultPresent:
		c.logger.Debug("result present, no-op", zap.String("jobId", info.JobID))
		return nil

	case stateMapping:
		c.logger.Debug("map stage in progress", zap.String("jobId", info.JobID))
		return nil

	case stateMappersDone:
		c.logger.Info("map stage complete, launching reduce step 1", zap.String("jobId", info.JobID))
		return c.launchStep(ctx, info, 1, st.mapperOutputs)

	case stateReducingWaiting:
		c.logger.Debug("reduce step in progress", zap.String("jobId", info.JobID), zap.Int("step", st.stepID))
		return nil

	case stateReducingComplete:
		c.logger.Info("reduce step complete, launching next step",
			zap.String("jobId", info.JobID), zap.Int("completedStep", st.stepID))
		return c.launchStep(ctx, info, st.stepID+1, st.reducerOutputs)
	}

	return nil
}

// deriveState classifies every key under {job_id}/ and, if a
// reducerstate.{k} record exists, fetches its content to learn the
// expected reducer count for the step in progress.
func (c *Coordinator) deriveState(ctx context.Context, info types.JobInfo, listing []types.ObjectRef) (derivedState, error) {
	var mapperOutputs []types.ObjectRef
	reducerOutputsByStep := map[int][]types.ObjectRef{}
	maxStep := 0
	hasResult := false

	for _, ref := range listing {
		pk := parseKey(info.JobID, ref.Key)
		switch pk.kind {
		case kindResult:
			hasResult = true
		case kindMapperOutput:
			mapperOutputs = append(mapperOutputs, ref)
		case kindReducerOutput:
			reducerOutputsByStep[pk.stepID] = append(reducerOutputsByStep[pk.stepID], ref)
		case kindReducerState:
			if pk.stepID > maxStep {
				maxStep = pk.stepID
			}
		}
	}

	sortByKey(mapperOutputs)

	if hasResult {
		return derivedState{kind: stateResultPresent}, nil
	}

	if maxStep == 0 {
		if len(mapperOutputs) < info.MapCount {
			return derivedState{kind: stateMapping}, nil
		}
		return derivedState{kind: stateMappersDone, mapperOutputs: mapperOutputs}, nil
	}

	rs, err := c.readReducerState(ctx, info, maxStep)
	if err != nil {
		return derivedState{}, err
	}

	outputs := reducerOutputsByStep[maxStep]
	sortByKey(outputs)

	if len(outputs) < rs.ReducerCount {
		return derivedState{kind: stateReducingWaiting, stepID: maxStep}, nil
	}
	return derivedState{kind: stateReducingComplete, stepID: maxStep, reducerOutputs: outputs}, nil
}

func (c *Coordinator) readReducerState(ctx context.Context, info types.JobInfo, step int) (types.ReducerState, error) {
	key := reducerStateKey(info.JobID, step)
	raw, _, err := c.store.Get(ctx, info.JobBucket, key)
	if err != nil {
		return types.ReducerState{}, fmt.Errorf("read reducer state %s: %w", key, err)
	}

	var rs types.ReducerState
	if err := json.Unmarshal(raw, &rs); err != nil {
		return types.ReducerState{}, fmt.Errorf("decode reducer state %s: %w", key, err)
	}
	return rs, nil
}

// launchStep computes the reduce batches for inputs, commits
// reducerstate.{stepID} as the step's plan, and dispatches one
// asynchronous reducer invocation per batch, per SPEC_FULL.md §4.4.
func (c *Coordinator) launchStep(ctx context.Context, info types.JobInfo, stepID int, inputs []types.ObjectRef) error {
	batches := batch.ReduceBatches(inputs)
	nReducers := len(batches)

	state := types.ReducerState{
		ReducerCount: nReducers,
		TotalS3Files: len(inputs),
		StartTime:    c.now(),
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode reducer state for step %d: %w", stepID, err)
	}

	key := reducerStateKey(info.JobID, stepID)

	if c.useConditionalPut {
		ok, err := c.store.PutIfAbsent(ctx, info.JobBucket, key, raw, nil)
		if err != nil {
			return fmt.Errorf("commit reducer state for step %d: %w", stepID, err)
		}
		if !ok {
			c.logger.Debug("step already launched by a concurrent invocation",
				zap.String("jobId", info.JobID), zap.Int("step", stepID))
			return nil
		}
	} else if err := c.store.Put(ctx, info.JobBucket, key, raw, nil); err != nil {
		return fmt.Errorf("commit reducer state for step %d: %w", stepID, err)
	}

	var dispatchErr syncutil.AtomicError
	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		go func(reducerID int, keys []string) {
			defer wg.Done()
			payload := types.ReducerPayload{
				Bucket:    info.JobBucket,
				Keys:      keys,
				JobBucket: info.JobBucket,
				JobID:     info.JobID,
				NReducers: nReducers,
				StepID:    stepID,
				ReducerID: reducerID,
			}
			if err := c.invoker.InvokeAsync(ctx, info.ReducerFunction, payload); err != nil {
				dispatchErr.Set(fmt.Errorf("invoke reducer %d at step %d: %w", reducerID, stepID, err))
			}
		}(i, b.Keys())
	}
	wg.Wait()

	if err := dispatchErr.Load(); err != nil {
		c.logger.Error("reducer dispatch error", zap.Error(err))
		return err
	}

	c.logger.Info("launched reduce step",
		zap.String("jobId", info.JobID), zap.Int("step", stepID), zap.Int("nReducers", nReducers))
	return nil
}

func reducerStateKey(jobID string, step int) string {
	return fmt.Sprintf("%s/%s%d", jobID, types.StatePrefix, step)
}

func sortByKey(refs []types.ObjectRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
}
