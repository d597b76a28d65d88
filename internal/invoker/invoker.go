// Package invoker narrows the AWS Lambda client down to synchronous and
// asynchronous invoke, the only two operations the driver (synchronous
// mapper calls) and the reduce coordinator (asynchronous reducer calls)
// need, per SPEC_FULL.md §4.3 and §4.4.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// Invoker is the Lambda-invocation contract the orchestrator depends on.
type Invoker interface {
	// InvokeSync calls function synchronously with payload and unmarshals
	// the response into out. Used for mapper invocations, whose return
	// value the driver must collect (SPEC_FULL.md §4.3).
	InvokeSync(ctx context.Context, function string, payload any, out any) error

	// InvokeAsync fires function with payload and does not wait for a
	// result. Used for reducer invocations (SPEC_FULL.md §4.4) — the
	// coordinator never observes a reducer's return value directly; it
	// observes the reducer's output object instead.
	InvokeAsync(ctx context.Context, function string, payload any) error
}

// LambdaInvoker is the production Invoker backed by the AWS SDK for Go
// v2's Lambda client.
type LambdaInvoker struct {
	client *lambda.Client
}

// NewLambdaInvoker wraps a lambda.Client.
func NewLambdaInvoker(client *lambda.Client) *LambdaInvoker {
	return &LambdaInvoker{client: client}
}

func (l *LambdaInvoker) InvokeSync(ctx context.Context, function string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", function, err)
	}

	resp, err := l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        body,
	})
	if err != nil {
		return fmt.Errorf("invoke %s: %w", function, err)
	}
	if resp.FunctionError != nil {
		return fmt.Errorf("invoke %s: worker returned %s: %s", function, *resp.FunctionError, string(resp.Payload))
	}

	if out != nil {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("unmarshal response from %s: %w", function, err)
		}
	}
	return nil
}

func (l *LambdaInvoker) InvokeAsync(ctx context.Context, function string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", function, err)
	}

	_, err = l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: types.InvocationTypeEvent,
		Payload:        body,
	})
	if err != nil {
		return fmt.Errorf("invoke-async %s: %w", function, err)
	}
	return nil
}

// FakeInvoker is an in-memory Invoker for tests. SyncHandler and
// AsyncHandler, when set, are called in place of a real Lambda
// invocation. It is safe for concurrent use so tests can exercise a
// coordinator dispatching a reduce wave's invocations in parallel; read
// recorded calls via Calls, not the zero-value slice, since appends are
// mutex-guarded.
type FakeInvoker struct {
	SyncHandler  func(function string, payload []byte) ([]byte, error)
	AsyncHandler func(function string, payload []byte) error

	mu         sync.Mutex
	asyncCalls []AsyncCall
}

// AsyncCall records one asynchronous invocation observed by FakeInvoker.
type AsyncCall struct {
	Function string
	Payload  []byte
}

func (f *FakeInvoker) InvokeSync(_ context.Context, function string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if f.SyncHandler == nil {
		return fmt.Errorf("fake invoker: no sync handler registered for %s", function)
	}
	resp, err := f.SyncHandler(function, body)
	if err != nil {
		return err
	}
	if out != nil && resp != nil {
		return json.Unmarshal(resp, out)
	}
	return nil
}

func (f *FakeInvoker) InvokeAsync(_ context.Context, function string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.asyncCalls = append(f.asyncCalls, AsyncCall{Function: function, Payload: body})
	f.mu.Unlock()

	if f.AsyncHandler == nil {
		return nil
	}
	return f.AsyncHandler(function, body)
}

// Calls returns a snapshot of every asynchronous invocation recorded so
// far.
func (f *FakeInvoker) Calls() []AsyncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]AsyncCall, len(f.asyncCalls))
	copy(calls, f.asyncCalls)
	return calls
}
