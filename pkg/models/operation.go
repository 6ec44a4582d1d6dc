package models

import "time"

// OperationType tags the kind of work an operation performs. The batch
// executor dispatches on this tag; new kinds are added by extending the
// tag set and the dispatcher.
type OperationType string

// Operation type constants.
const (
	OpAgentSpawn  OperationType = "agent_spawn"
	OpTaskExecute OperationType = "task_execute"
	OpMemoryOp    OperationType = "memory_op"
	OpFileOp      OperationType = "file_op"
	OpCommand     OperationType = "command"
)

// Valid reports whether the operation type is one of the recognized tags.
func (t OperationType) Valid() bool {
	switch t {
	case OpAgentSpawn, OpTaskExecute, OpMemoryOp, OpFileOp, OpCommand:
		return true
	}
	return false
}

// Operation is one unit of work inside a batch. A batch is a set of
// operations whose DependsOn edges form a DAG.
type Operation struct {
	ID          string         `json:"id"`
	Type        OperationType  `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	RetryBudget int            `json:"retry_budget,omitempty"` // 0 means executor default
}

// OperationResult captures the outcome of a single operation. Operation
// level errors live here; they never abort the batch.
type OperationResult struct {
	OperationID string        `json:"operation_id"`
	Success     bool          `json:"success"`
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Stage       int           `json:"stage"`
}

// BatchMetrics summarizes one execute_batch call.
type BatchMetrics struct {
	TotalOperations      int           `json:"total_operations"`
	SuccessfulOperations int           `json:"successful_operations"`
	FailedOperations     int           `json:"failed_operations"`
	AvgSpawnTime         time.Duration `json:"avg_spawn_time"`
	P95SpawnTime         time.Duration `json:"p95_spawn_time"`
	BatchDuration        time.Duration `json:"batch_duration"`
	Stages               int           `json:"stages"`
}

// SuccessRate returns the fraction of operations that succeeded.
func (m BatchMetrics) SuccessRate() float64 {
	if m.TotalOperations == 0 {
		return 0
	}
	return float64(m.SuccessfulOperations) / float64(m.TotalOperations)
}

// Throughput returns completed operations per second for the batch.
func (m BatchMetrics) Throughput() float64 {
	if m.BatchDuration <= 0 {
		return 0
	}
	return float64(m.TotalOperations) / m.BatchDuration.Seconds()
}
