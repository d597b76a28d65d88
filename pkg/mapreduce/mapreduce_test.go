package mapreduce

import (
	"context"
	"errors"
	"io"
	"log"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/biglambda/orchestrator/internal/types"
)

var errDummyInvoke = errors.New("dummy invoke failure")

func init() {
	log.SetOutput(io.Discard)
}

// dispatchSummary mirrors internal/driver's own reduce-side accumulator
// for a wave of mapper invocations, so these tests exercise MapReduce
// through the same T=int, U=types.WorkerResult, V=dispatchSummary shape
// the driver instantiates it with, not a generic int/string stand-in.
type dispatchSummary struct {
	InputCount int
	LineCount  int
}

// fixedResultMapper simulates a mapper batch's invocation result without
// an invoker: it always succeeds and writes a fixed WorkerResult.
func fixedResultMapper(item int, writer Writer[types.WorkerResult], cancel func(error)) {
	writer.Write(types.WorkerResult{InputCount: 1, LineCount: item})
}

func sumReducer(pipe <-chan types.WorkerResult, writer Writer[dispatchSummary], cancel func(error)) {
	var summary dispatchSummary
	for r := range pipe {
		summary.InputCount += r.InputCount
		summary.LineCount += r.LineCount
	}
	writer.Write(summary)
}

func generateBatchIDs(n int) GenerateFunc[int] {
	return func(source chan<- int) {
		for i := 1; i <= n; i++ {
			source <- i
		}
	}
}

func TestMapReduce_SumsAcrossAllMapperBatches(t *testing.T) {
	summary, err := MapReduce(generateBatchIDs(4), fixedResultMapper, sumReducer, WithWorkers(runtime.NumCPU()))

	assert.Nil(t, err)
	assert.Equal(t, dispatchSummary{InputCount: 4, LineCount: 10}, summary)
}

func TestMapReduce_MapperCancelWithErrorAbortsDispatch(t *testing.T) {
	mapper := func(item int, writer Writer[types.WorkerResult], cancel func(error)) {
		if item%3 == 0 {
			cancel(errDummyInvoke)
			return
		}
		writer.Write(types.WorkerResult{InputCount: 1, LineCount: item})
	}

	_, err := MapReduce(generateBatchIDs(4), mapper, sumReducer, WithWorkers(runtime.NumCPU()))
	assert.Equal(t, errDummyInvoke, err)
}

func TestMapReduce_MapperCancelWithNilStillFails(t *testing.T) {
	mapper := func(item int, writer Writer[types.WorkerResult], cancel func(error)) {
		if item%3 == 0 {
			cancel(nil)
			return
		}
		writer.Write(types.WorkerResult{InputCount: 1, LineCount: item})
	}

	summary, err := MapReduce(generateBatchIDs(4), mapper, sumReducer, WithWorkers(runtime.NumCPU()))
	assert.Equal(t, ErrDispatchCancelledWithNil, err)
	assert.Equal(t, dispatchSummary{}, summary)
}

func TestMapReduce_ReducerCanAbortOnPartialResult(t *testing.T) {
	reducer := func(pipe <-chan types.WorkerResult, writer Writer[dispatchSummary], cancel func(error)) {
		var summary dispatchSummary
		for r := range pipe {
			summary.LineCount += r.LineCount
			if summary.LineCount > 5 {
				cancel(errDummyInvoke)
			}
		}
		writer.Write(summary)
	}

	_, err := MapReduce(generateBatchIDs(4), fixedResultMapper, reducer, WithWorkers(runtime.NumCPU()))
	assert.Equal(t, errDummyInvoke, err)
}

func TestMapReduce_ReducerWritingMoreThanOncePanics(t *testing.T) {
	assert.Panics(t, func() {
		MapReduce(generateBatchIDs(10), fixedResultMapper,
			func(pipe <-chan types.WorkerResult, writer Writer[dispatchSummary], cancel func(error)) {
				drain(pipe)
				writer.Write(dispatchSummary{LineCount: 1})
				writer.Write(dispatchSummary{LineCount: 2})
			})
	})
}

func TestMapReduce_ReducerPanicSurfacesAsError(t *testing.T) {
	_, err := MapReduce(generateBatchIDs(2), fixedResultMapper,
		func(pipe <-chan types.WorkerResult, writer Writer[dispatchSummary], cancel func(error)) {
			for range pipe {
				panic("reducer exploded")
			}
		})
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "reducer exploded")
}

func TestMapReduce_ReducerThatNeverWritesIsAnError(t *testing.T) {
	summary, err := MapReduce(generateBatchIDs(3), fixedResultMapper,
		func(pipe <-chan types.WorkerResult, writer Writer[dispatchSummary], cancel func(error)) {
			drain(pipe)
			// deliberately never calls writer.Write
		})
	assert.Equal(t, ErrNoDispatchResult, err)
	assert.Equal(t, dispatchSummary{}, summary)
}

func TestMapReduce_WithContextCancelledMidDispatchAborts(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	mapper := func(item int, writer Writer[types.WorkerResult], cancel func(error)) {
		if item == defaultWorkers/2 {
			cancelCtx()
		}
		writer.Write(types.WorkerResult{InputCount: 1, LineCount: item})
	}

	_, err := MapReduce(generateBatchIDs(defaultWorkers*2), mapper, sumReducer, WithContext(ctx))
	assert.Equal(t, ErrNoDispatchResult, err)
}

func TestMapReduce_SlowFirstMapperDoesNotBlockLaterOnes(t *testing.T) {
	mapper := func(item int, writer Writer[types.WorkerResult], cancel func(error)) {
		if item == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		writer.Write(types.WorkerResult{InputCount: 1, LineCount: item})
	}

	var order []int
	reducer := func(pipe <-chan types.WorkerResult, writer Writer[dispatchSummary], cancel func(error)) {
		var summary dispatchSummary
		for r := range pipe {
			order = append(order, r.LineCount)
			summary.InputCount += r.InputCount
		}
		writer.Write(summary)
	}

	summary, err := MapReduce(func(source chan<- int) {
		source <- 0
		source <- 1
	}, mapper, reducer)

	assert.Nil(t, err)
	assert.Equal(t, 2, summary.InputCount)
	assert.Equal(t, []int{1, 0}, order)
}

func TestMapReduce_HighConcurrencyAllItemsAccountedFor(t *testing.T) {
	const batches = 1000
	var processed uint32
	mapper := func(item int, writer Writer[types.WorkerResult], cancel func(error)) {
		atomic.AddUint32(&processed, 1)
		writer.Write(types.WorkerResult{InputCount: 1})
	}

	summary, err := MapReduce(generateBatchIDs(batches), mapper, sumReducer)
	assert.Nil(t, err)
	assert.Equal(t, batches, int(processed))
	assert.Equal(t, batches, summary.InputCount)
}

func BenchmarkMapReduce(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		MapReduce(generateBatchIDs(2), fixedResultMapper, sumReducer)
	}
}
