package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/invoker"
	"github.com/biglambda/orchestrator/internal/objectstore"
	"github.com/biglambda/orchestrator/internal/types"
)

const (
	testBucket = "job-bucket"
	testJob    = "bl-release"
)

func testJobInfo(mapCount int) types.JobInfo {
	return types.JobInfo{
		JobID:           testJob,
		JobBucket:       testBucket,
		MapCount:        mapCount,
		ReducerFunction: "BL-reducer-bl-release",
		ReducerHandler:  "reducer.lambda_handler",
	}
}

func putMapperOutputs(t *testing.T, store *objectstore.FakeStore, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		key := fmt.Sprintf("%s/task/mapper/%d", testJob, i)
		if err := store.Put(context.Background(), testBucket, key, []byte(`{"k":1}`), nil); err != nil {
			t.Fatalf("seed mapper output %d: %v", i, err)
		}
	}
}

func putReducerState(t *testing.T, store *objectstore.FakeStore, step, reducerCount int) {
	t.Helper()
	rs := types.ReducerState{ReducerCount: reducerCount, TotalS3Files: reducerCount, StartTime: 0}
	raw, _ := json.Marshal(rs)
	key := fmt.Sprintf("%s/%s%d", testJob, types.StatePrefix, step)
	if err := store.Put(context.Background(), testBucket, key, raw, nil); err != nil {
		t.Fatalf("seed reducer state %d: %v", step, err)
	}
}

func putReducerOutputs(t *testing.T, store *objectstore.FakeStore, step int, ids ...int) {
	t.Helper()
	for _, id := range ids {
		key := fmt.Sprintf("%s/task/reducer/%d/%d", testJob, step, id)
		if err := store.Put(context.Background(), testBucket, key, []byte(`{"k":1}`), nil); err != nil {
			t.Fatalf("seed reducer output %d/%d: %v", step, id, err)
		}
	}
}

func TestHandle_Mapping_NoOp(t *testing.T) {
	store := objectstore.NewFakeStore()
	putMapperOutputs(t, store, 2)
	inv := &invoker.FakeInvoker{}
	c := New(store, inv, zap.NewNop())

	if err := c.Handle(context.Background(), testJobInfo(4)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(inv.Calls()) != 0 {
		t.Fatalf("expected no dispatch while mapping, got %d calls", len(inv.Calls()))
	}
}

func TestHandle_MappersDone_LaunchesStep1(t *testing.T) {
	store := objectstore.NewFakeStore()
	putMapperOutputs(t, store, 4)
	inv := &invoker.FakeInvoker{}
	c := New(store, inv, zap.NewNop())

	if err := c.Handle(context.Background(), testJobInfo(4)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	raw, _, err := store.Get(context.Background(), testBucket, testJob+"/reducerstate.1")
	if err != nil {
		t.Fatalf("reducerstate.1 missing: %v", err)
	}
	var rs types.ReducerState
	if err := json.Unmarshal(raw, &rs); err != nil {
		t.Fatalf("decode reducerstate.1: %v", err)
	}
	if rs.ReducerCount < 1 {
		t.Fatalf("expected a positive reducer count, got %d", rs.ReducerCount)
	}
	if len(inv.Calls()) != rs.ReducerCount {
		t.Fatalf("expected %d async dispatches, got %d", rs.ReducerCount, len(inv.Calls()))
	}
	for _, call := range inv.Calls() {
		if call.Function != "BL-reducer-bl-release" {
			t.Fatalf("unexpected function invoked: %s", call.Function)
		}
	}
}

func TestHandle_ReducingWaiting_NoOp(t *testing.T) {
	store := objectstore.NewFakeStore()
	putMapperOutputs(t, store, 4)
	putReducerState(t, store, 1, 2)
	putReducerOutputs(t, store, 1, 0) // only one of two reducers has finished

	inv := &invoker.FakeInvoker{}
	c := New(store, inv, zap.NewNop())

	if err := c.Handle(context.Background(), testJobInfo(4)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(inv.Calls()) != 0 {
		t.Fatalf("expected no dispatch while step 1 is incomplete, got %d", len(inv.Calls()))
	}
}

func TestHandle_ReducingComplete_LaunchesNextStep(t *testing.T) {
	store := objectstore.NewFakeStore()
	putMapperOutputs(t, store, 4)
	putReducerState(t, store, 1, 2)
	putReducerOutputs(t, store, 1, 0, 1) // both step-1 reducers finished

	inv := &invoker.FakeInvoker{}
	c := New(store, inv, zap.NewNop())

	if err := c.Handle(context.Background(), testJobInfo(4)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if _, _, err := store.Get(context.Background(), testBucket, testJob+"/reducerstate.2"); err != nil {
		t.Fatalf("expected reducerstate.2 to be written: %v", err)
	}
	if len(inv.Calls()) == 0 {
		t.Fatalf("expected step 2 to dispatch at least one reducer")
	}
	for _, call := range inv.Calls() {
		var payload types.ReducerPayload
		if err := json.Unmarshal(call.Payload, &payload); err != nil {
			t.Fatalf("decode dispatched payload: %v", err)
		}
		if payload.StepID != 2 {
			t.Fatalf("expected stepId 2, got %d", payload.StepID)
		}
	}
}

func TestHandle_ResultPresent_NoOp(t *testing.T) {
	store := objectstore.NewFakeStore()
	putMapperOutputs(t, store, 4)
	putReducerState(t, store, 1, 1)
	if err := store.Put(context.Background(), testBucket, testJob+"/result", []byte(`{"k":5}`), nil); err != nil {
		t.Fatalf("seed result: %v", err)
	}

	inv := &invoker.FakeInvoker{}
	c := New(store, inv, zap.NewNop())

	if err := c.Handle(context.Background(), testJobInfo(4)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(inv.Calls()) != 0 {
		t.Fatalf("expected no dispatch once result exists, got %d", len(inv.Calls()))
	}
}

// TestHandle_DuplicateInvocationDoesNotDoubleLaunch exercises scenario S4
// from spec.md §8: two coordinator invocations racing to observe the
// same "mappers-done" state must not both commit a reduce wave.
func TestHandle_DuplicateInvocationDoesNotDoubleLaunch(t *testing.T) {
	store := objectstore.NewFakeStore()
	putMapperOutputs(t, store, 4)
	inv := &invoker.FakeInvoker{}
	c := New(store, inv, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Handle(context.Background(), testJobInfo(4)); err != nil {
				t.Errorf("Handle: %v", err)
			}
		}()
	}
	wg.Wait()

	raw, _, err := store.Get(context.Background(), testBucket, testJob+"/reducerstate.1")
	if err != nil {
		t.Fatalf("reducerstate.1 missing: %v", err)
	}
	var rs types.ReducerState
	if err := json.Unmarshal(raw, &rs); err != nil {
		t.Fatalf("decode reducerstate.1: %v", err)
	}

	if len(inv.Calls()) != rs.ReducerCount {
		t.Fatalf("expected exactly one step's worth of dispatches (%d), got %d", rs.ReducerCount, len(inv.Calls()))
	}
}
