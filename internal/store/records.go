package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory categories.
const (
	CategoryPersonal = "personal"
	CategoryProject  = "project"
	CategoryGlobal   = "global"
)

// Memory is a durable fact recorded by a tool. Content never changes
// after creation.
type Memory struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"timestamp"`
}

// NormalizeCategory maps free-form input onto a known category,
// defaulting to global.
func NormalizeCategory(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case CategoryPersonal:
		return CategoryPersonal
	case CategoryProject:
		return CategoryProject
	default:
		return CategoryGlobal
	}
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

// Valid reports whether st is a known status.
func (st TaskStatus) Valid() bool {
	switch st {
	case TaskPending, TaskInProgress, TaskCompleted:
		return true
	}
	return false
}

// ErrInvalidStatus is returned for an unknown task status.
var ErrInvalidStatus = errors.New("invalid task status")

// Task is a timeline item. Title and schedule are fixed at creation;
// status and due move.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Due       *time.Time `json:"due,omitempty"`
	Schedule  string     `json:"schedule,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// SaveMemory stores a memory, assigning an id and timestamp when unset.
func (s *Store) SaveMemory(ctx context.Context, sid string, m Memory) (Memory, error) {
	if err := ValidateID(sid); err != nil {
		return Memory{}, err
	}
	if strings.TrimSpace(m.Content) == "" {
		return Memory{}, errors.New("memory content is required")
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	m.Category = NormalizeCategory(m.Category)
	if err := s.putJSON(ctx, memoryPrefix(sid)+m.ID, m); err != nil {
		return Memory{}, fmt.Errorf("save memory: %w", err)
	}
	return m, nil
}

// Memories lists a session's memories in insertion order.
func (s *Store) Memories(ctx context.Context, sid string) ([]Memory, error) {
	if err := ValidateID(sid); err != nil {
		return nil, err
	}
	return listJSON[Memory](ctx, s, memoryPrefix(sid))
}

// DeleteMemory removes one memory. It returns ErrNotFound when absent.
func (s *Store) DeleteMemory(ctx context.Context, sid, id string) error {
	return s.deleteLeaf(ctx, sid, id, memoryPrefix)
}

// SaveTask stores a task, filling id, status, and timestamps when unset.
func (s *Store) SaveTask(ctx context.Context, sid string, t Task) (Task, error) {
	if err := ValidateID(sid); err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(t.Title) == "" {
		return Task{}, errors.New("task title is required")
	}
	now := s.now().UTC()
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if !t.Status.Valid() {
		return Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if err := s.putJSON(ctx, taskPrefix(sid)+t.ID, t); err != nil {
		return Task{}, fmt.Errorf("save task: %w", err)
	}
	return t, nil
}

// Tasks lists a session's tasks in insertion order.
func (s *Store) Tasks(ctx context.Context, sid string) ([]Task, error) {
	if err := ValidateID(sid); err != nil {
		return nil, err
	}
	return listJSON[Task](ctx, s, taskPrefix(sid))
}

// Task loads one task.
func (s *Store) Task(ctx context.Context, sid, id string) (Task, error) {
	if err := ValidateID(sid); err != nil {
		return Task{}, err
	}
	if err := ValidateID(id); err != nil {
		return Task{}, err
	}
	var t Task
	if err := s.getJSON(ctx, taskPrefix(sid)+id, &t); err != nil {
		return Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTaskStatus moves a task to status.
func (s *Store) UpdateTaskStatus(ctx context.Context, sid, id string, status TaskStatus) (Task, error) {
	if !status.Valid() {
		return Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	t, err := s.Task(ctx, sid, id)
	if err != nil {
		return Task{}, err
	}
	t.Status = status
	return s.SaveTask(ctx, sid, t)
}

// DeleteTask removes one task. It returns ErrNotFound when absent.
func (s *Store) DeleteTask(ctx context.Context, sid, id string) error {
	return s.deleteLeaf(ctx, sid, id, taskPrefix)
}

func (s *Store) deleteLeaf(ctx context.Context, sid, id string, prefix func(string) string) error {
	if err := ValidateID(sid); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}
	key := prefix(sid) + id
	if _, ok, err := s.kv.Get(ctx, key); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return s.kv.Delete(ctx, key)
}
