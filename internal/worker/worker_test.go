package worker

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/objectstore"
	"github.com/biglambda/orchestrator/internal/types"
)

func TestMap_SumsFourthColumnByFirstEightChars(t *testing.T) {
	store := objectstore.NewFakeStore()
	ctx := context.Background()

	csv := "10.0.0.1,ignored,ignored,1.5\n10.0.0.1,ignored,ignored,2.5\n10.0.0.99,ignored,ignored,10\n"
	if err := store.Put(ctx, "input-bucket", "data/part-0.csv", []byte(csv), nil); err != nil {
		t.Fatalf("seed input: %v", err)
	}

	output, lineCount, err := Map(ctx, store, "input-bucket", []string{"data/part-0.csv"}, zap.NewNop())
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if lineCount != 3 {
		t.Fatalf("expected 3 lines, got %d", lineCount)
	}
	if got := output["10.0.0.1"]; got != 4.0 {
		t.Fatalf("expected 10.0.0.1 -> 4.0, got %v", got)
	}
	if got := output["10.0.0.9"]; got != 10.0 {
		t.Fatalf("expected the 9-char key truncated to 8 chars (10.0.0.9), got %v under that key: %v", got, output)
	}
}

func TestMap_SkipsMalformedAndUnparsableRowsWithoutFailing(t *testing.T) {
	store := objectstore.NewFakeStore()
	ctx := context.Background()

	csv := "10.0.0.1,a,b,5\ntoo,few,cols\n10.0.0.1,a,b,not-a-number\n"
	if err := store.Put(ctx, "input-bucket", "data/part-0.csv", []byte(csv), nil); err != nil {
		t.Fatalf("seed input: %v", err)
	}

	output, lineCount, err := Map(ctx, store, "input-bucket", []string{"data/part-0.csv"}, zap.NewNop())
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if lineCount != 3 {
		t.Fatalf("expected all 3 rows counted even though 2 are unusable, got %d", lineCount)
	}
	if len(output) != 1 || output["10.0.0.1"] != 5.0 {
		t.Fatalf("expected only the valid row to contribute, got %v", output)
	}
}

func TestMap_MissingKeyIsFatal(t *testing.T) {
	store := objectstore.NewFakeStore()
	if _, _, err := Map(context.Background(), store, "input-bucket", []string{"missing.csv"}, zap.NewNop()); err == nil {
		t.Fatal("expected an error when an input key cannot be read")
	}
}

func TestReduce_MergesPartialsBySummingEqualKeys(t *testing.T) {
	store := objectstore.NewFakeStore()
	ctx := context.Background()

	if err := store.Put(ctx, "job-bucket", "bl-test/task/mapper/1", []byte(`{"10.0.0.1":4,"10.0.0.9":10}`), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Put(ctx, "job-bucket", "bl-test/task/mapper/2", []byte(`{"10.0.0.1":1,"10.0.0.2":7}`), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	merged, lineCount, err := Reduce(ctx, store, "job-bucket", []string{"bl-test/task/mapper/1", "bl-test/task/mapper/2"}, zap.NewNop())
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if lineCount != 4 {
		t.Fatalf("expected 4 total key-value pairs read, got %d", lineCount)
	}
	if merged["10.0.0.1"] != 5.0 || merged["10.0.0.9"] != 10.0 || merged["10.0.0.2"] != 7.0 {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}

func TestReduce_SkipsUnreadablePartial(t *testing.T) {
	store := objectstore.NewFakeStore()
	ctx := context.Background()

	if err := store.Put(ctx, "job-bucket", "bl-test/task/mapper/1", []byte(`not json`), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Put(ctx, "job-bucket", "bl-test/task/mapper/2", []byte(`{"10.0.0.1":2}`), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	merged, _, err := Reduce(ctx, store, "job-bucket", []string{"bl-test/task/mapper/1", "bl-test/task/mapper/2"}, zap.NewNop())
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if len(merged) != 1 || merged["10.0.0.1"] != 2.0 {
		t.Fatalf("expected only the readable partial to contribute, got %v", merged)
	}
}

func TestRunMapper_WritesOutputUnderJobNamespace(t *testing.T) {
	store := objectstore.NewFakeStore()
	ctx := context.Background()
	if err := store.Put(ctx, "input-bucket", "data/part-0.csv", []byte("10.0.0.1,a,b,5\n"), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	payload := types.MapperPayload{
		Bucket:    "input-bucket",
		Keys:      []string{"data/part-0.csv"},
		JobBucket: "job-bucket",
		JobID:     "bl-test",
		MapperID:  3,
	}

	res, err := RunMapper(ctx, store, payload, zap.NewNop())
	if err != nil {
		t.Fatalf("RunMapper: %v", err)
	}
	if res.LineCount != 1 || res.InputCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	body, meta, err := store.Get(ctx, "job-bucket", "bl-test/task/mapper/3")
	if err != nil {
		t.Fatalf("expected mapper output at bl-test/task/mapper/3: %v", err)
	}
	var out map[string]float64
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode mapper output: %v", err)
	}
	if out["10.0.0.1"] != 5.0 {
		t.Fatalf("unexpected mapper output: %v", out)
	}
	if meta[types.MetaLineCount] != "1" {
		t.Fatalf("expected linecount metadata of 1, got %q", meta[types.MetaLineCount])
	}
}

func TestRunReducer_SingleReducerWritesFinalResult(t *testing.T) {
	store := objectstore.NewFakeStore()
	ctx := context.Background()
	if err := store.Put(ctx, "job-bucket", "bl-test/task/mapper/1", []byte(`{"10.0.0.1":5}`), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	payload := types.ReducerPayload{
		Keys:      []string{"bl-test/task/mapper/1"},
		JobBucket: "job-bucket",
		JobID:     "bl-test",
		NReducers: 1,
		StepID:    1,
		ReducerID: 1,
	}

	if _, err := RunReducer(ctx, store, payload, zap.NewNop()); err != nil {
		t.Fatalf("RunReducer: %v", err)
	}

	if _, _, err := store.Get(ctx, "job-bucket", "bl-test/result"); err != nil {
		t.Fatalf("expected the single reducer to write the terminal result key: %v", err)
	}
	if _, _, err := store.Get(ctx, "job-bucket", "bl-test/task/reducer/1/1"); err == nil {
		t.Fatal("did not expect an intermediate reducer output key when nReducers=1")
	}
}

func TestRunReducer_MultipleReducersWriteIntermediateStep(t *testing.T) {
	store := objectstore.NewFakeStore()
	ctx := context.Background()
	if err := store.Put(ctx, "job-bucket", "bl-test/task/mapper/1", []byte(`{"10.0.0.1":5}`), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	payload := types.ReducerPayload{
		Keys:      []string{"bl-test/task/mapper/1"},
		JobBucket: "job-bucket",
		JobID:     "bl-test",
		NReducers: 2,
		StepID:    1,
		ReducerID: 2,
	}

	if _, err := RunReducer(ctx, store, payload, zap.NewNop()); err != nil {
		t.Fatalf("RunReducer: %v", err)
	}

	if _, _, err := store.Get(ctx, "job-bucket", "bl-test/task/reducer/1/2"); err != nil {
		t.Fatalf("expected intermediate output at bl-test/task/reducer/1/2: %v", err)
	}
	if _, _, err := store.Get(ctx, "job-bucket", "bl-test/result"); err == nil {
		t.Fatal("did not expect the terminal result key to be written before the final step")
	}
}
