package orchestrator

import (
	"github.com/maestro-run/maestro/pkg/models"
)

// planOperations turns an admitted request into a batch: one agent spawn
// plus the task execution depending on it. The plan carries the routing
// decision's model so the task handler does not re-route.
func planOperations(requestID string, req Request, decision models.RoutingDecision) []models.Operation {
	spawnID := requestID + "-spawn"
	taskID := requestID + "-task"

	return []models.Operation{
		{
			ID:   spawnID,
			Type: models.OpAgentSpawn,
			Payload: map[string]any{
				"request_id": requestID,
				"tier":       string(req.UserTier),
			},
		},
		{
			ID:   taskID,
			Type: models.OpTaskExecute,
			Payload: map[string]any{
				"request_id": requestID,
				"model":      decision.ModelName,
				"task":       req.Task,
			},
			DependsOn: []string{spawnID},
		},
	}
}
