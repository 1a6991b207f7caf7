package workflow

import (
	"context"

	"gorm.io/gorm"
)

// Scheduler decides which tasks of an execution may run next.
type Scheduler struct {
	db *gorm.DB
}

// NewScheduler builds a Scheduler on the given database handle.
func NewScheduler(db *gorm.DB) *Scheduler {
	return &Scheduler{db: db}
}

// GetReadyTasks returns the pending tasks of an execution whose every
// dependency has completed, ordered by creation time.
func (s *Scheduler) GetReadyTasks(ctx context.Context, executionID string) ([]TaskExecution, error) {
	var pending []TaskExecution
	err := s.db.WithContext(ctx).
		Where("workflow_execution_id = ? AND status = ?", executionID, TaskPending).
		Order("created_at").
		Find(&pending).Error
	if err != nil {
		return nil, err
	}

	var ready []TaskExecution
	for i := range pending {
		ok, err := s.ResolveDependencies(ctx, &pending[i])
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, pending[i])
		}
	}
	return ready, nil
}

// ResolveDependencies reports whether every task a task depends on exists in
// the same execution and has completed.
func (s *Scheduler) ResolveDependencies(ctx context.Context, task *TaskExecution) (bool, error) {
	if len(task.DependsOn) == 0 {
		return true, nil
	}

	var dependencies []TaskExecution
	err := s.db.WithContext(ctx).
		Where("id IN ? AND workflow_execution_id = ?", []string(task.DependsOn), task.WorkflowExecutionID).
		Find(&dependencies).Error
	if err != nil {
		return false, err
	}
	if len(dependencies) != len(task.DependsOn) {
		return false, nil
	}
	for i := range dependencies {
		if dependencies[i].Status != TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}
