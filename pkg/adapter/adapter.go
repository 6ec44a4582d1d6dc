// Package adapter abstracts backend model invocation. The orchestrator
// talks to models only through the Adapter interface; real backends plug
// in behind it, and the stub adapter serves development and tests.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// Adapter invokes a backend model with a task and returns its output.
type Adapter interface {
	Invoke(ctx context.Context, model models.ModelConfig, task string) (string, error)
}

// InvokeFunc adapts a plain function to the Adapter interface.
type InvokeFunc func(ctx context.Context, model models.ModelConfig, task string) (string, error)

// Invoke calls the wrapped function.
func (f InvokeFunc) Invoke(ctx context.Context, model models.ModelConfig, task string) (string, error) {
	return f(ctx, model, task)
}

// Stub is a deterministic in-process adapter. It honors context
// cancellation and optionally simulates per-call latency; output is a
// synthetic completion tagged with the model name.
type Stub struct {
	// Latency delays each call; zero means immediate.
	Latency time.Duration
}

// Invoke returns a synthetic completion for the task.
func (s *Stub) Invoke(ctx context.Context, model models.ModelConfig, task string) (string, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] completed: %s", model.Name, truncate(task, 120)), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
