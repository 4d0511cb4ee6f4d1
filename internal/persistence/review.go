package persistence

import (
	"context"
	"database/sql"
	"strings"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/checkpoint"
)

// RequestReview pauses a running task for a human answer. The lease is left
// with its holder, which notices the pause after its current step and
// releases it.
func (s *Store) RequestReview(ctx context.Context, taskID, question string) (*Task, error) {
	question = strings.TrimSpace(question)
	err := s.inTx(ctx, "request review", func(tx *sql.Tx) error {
		current, ok, err := s.transitionTaskTx(ctx, tx, taskID, transition{
			allowedFrom: []TaskStatus{TaskStatusRunning},
			to:          TaskStatusHumanReview,
			eventType:   "task.review_requested",
			mutate: func(st *checkpoint.State) {
				st.Set(checkpoint.KeyReviewQuestion, question)
				st.Set(checkpoint.KeyReviewResponse, nil)
			},
		})
		if err != nil {
			return err
		}
		if !ok {
			return &StateError{TaskID: taskID, Status: current, Op: "request human review"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskReviewRequested, bus.TaskReviewEvent{TaskID: taskID, Question: question})
	return s.GetTask(ctx, taskID)
}

// RespondReview stores the human answer and makes the task claimable again.
func (s *Store) RespondReview(ctx context.Context, taskID, response string) (*Task, error) {
	response = strings.TrimSpace(response)
	err := s.inTx(ctx, "respond review", func(tx *sql.Tx) error {
		now := s.now()
		current, ok, err := s.transitionTaskTx(ctx, tx, taskID, transition{
			allowedFrom: []TaskStatus{TaskStatusHumanReview},
			to:          TaskStatusPending,
			eventType:   "task.review_answered",
			scheduleAt:  &now,
			mutate: func(st *checkpoint.State) {
				st.Set(checkpoint.KeyReviewResponse, response)
				st.Set(checkpoint.KeyReviewQuestion, nil)
			},
		})
		if err != nil {
			return err
		}
		if !ok {
			return &StateError{TaskID: taskID, Status: current, Op: "respond to review"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskReviewAnswered, bus.TaskReviewEvent{TaskID: taskID, Response: response})
	s.publish(bus.TopicTaskResumed, bus.TaskResumedEvent{
		TaskID: taskID,
		From:   string(TaskStatusHumanReview),
		Reason: "review_answered",
	})
	return s.GetTask(ctx, taskID)
}
