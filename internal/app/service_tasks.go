package app

import (
	"context"
	"strings"
	"time"

	"codepad/api/internal/audit"
	"codepad/api/internal/event"
	"codepad/api/internal/logger"
	"codepad/api/internal/permission"
	"codepad/api/internal/store"
	"codepad/api/internal/util"
)

type TaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Assignee    string     `json:"assignee"`
}

// taskEventData is the payload carried by task notifications.
type taskEventData struct {
	TaskID     string `json:"taskId"`
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Completed  bool   `json:"completed"`
}

// CreateTask adds a task to a document. Task management is an owner
// operation; editors change content, not the work plan.
func (s *Service) CreateTask(ctx context.Context, sess Session, documentID string, input TaskInput) (store.Task, error) {
	if strings.TrimSpace(input.Title) == "" {
		return store.Task{}, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.requireOwner(ctx, doc, sess.UserID); err != nil {
		return store.Task{}, err
	}

	now := time.Now().UTC()
	task := store.Task{
		ID:          util.NewID("tsk"),
		DocumentID:  documentID,
		Title:       input.Title,
		Description: input.Description,
		Deadline:    input.Deadline,
		Assignee:    input.Assignee,
		CreatedBy:   sess.UserName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return store.Task{}, err
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionTaskCreate, documentID, task.Title)
	s.publishTaskEvent(ctx, event.ActionCreate, sess.UserName, task)
	return task, nil
}

func (s *Service) ListTasks(ctx context.Context, sess Session, documentID string) ([]store.Task, error) {
	if _, err := s.GetDocument(ctx, sess, documentID); err != nil {
		return nil, err
	}
	return s.store.ListTasksByDocument(ctx, documentID)
}

func (s *Service) SetTaskCompleted(ctx context.Context, sess Session, taskID string, completed bool) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	doc, err := s.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.requireOwner(ctx, doc, sess.UserID); err != nil {
		return store.Task{}, err
	}

	if err := s.store.UpdateTaskCompleted(ctx, taskID, completed); err != nil {
		return store.Task{}, err
	}
	task.Completed = completed

	s.audit.Record(ctx, sess.UserName, audit.ActionTaskUpdate, task.DocumentID, task.Title)
	s.publishTaskEvent(ctx, event.ActionUpdate, sess.UserName, task)
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, sess Session, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	doc, err := s.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, doc, sess.UserID); err != nil {
		return err
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	s.audit.Record(ctx, sess.UserName, audit.ActionTaskDelete, task.DocumentID, task.Title)
	s.publishTaskEvent(ctx, event.ActionDelete, sess.UserName, task)
	return nil
}

func (s *Service) requireOwner(ctx context.Context, doc store.Document, userID string) error {
	level, err := s.permissions.LevelOf(ctx, doc, userID)
	if err != nil {
		return err
	}
	if level != permission.Owner {
		return permission.ErrForbidden
	}
	return nil
}

func (s *Service) publishTaskEvent(ctx context.Context, action event.Action, sender string, task store.Task) {
	ev, err := event.New(event.TypeTask, action, taskEventData{
		TaskID:     task.ID,
		DocumentID: task.DocumentID,
		Title:      task.Title,
		Completed:  task.Completed,
	}, sender)
	if err != nil {
		logger.Sugar.Errorw("build task event", "task", task.ID, "error", err)
		return
	}
	s.publish(ctx, ev)
}
