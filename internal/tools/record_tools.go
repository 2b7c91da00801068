package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/cortex-agent/internal/result"
	"github.com/nugget/cortex-agent/internal/scheduler"
	"github.com/nugget/cortex-agent/internal/store"
)

var categoryEnum = []string{store.CategoryPersonal, store.CategoryProject, store.CategoryGlobal}

var statusEnum = []string{string(store.TaskPending), string(store.TaskInProgress), string(store.TaskCompleted)}

func (b *builtins) storeMemoryTool() *Tool {
	return &Tool{
		Name:        "store_memory",
		Description: "Remember a fact about the user or their work for later conversations",
		Kind:        Write,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The fact to remember",
				},
				"category": map[string]any{
					"type":        "string",
					"enum":        categoryEnum,
					"description": "personal, project, or global (default global)",
				},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			if b.Store == nil {
				return nil, errors.New("memory store unavailable")
			}
			_, err := b.Store.SaveMemory(ctx, SessionIDFromContext(ctx), store.Memory{
				Content:  stringArg(args, "content"),
				Category: stringArg(args, "category"),
			})
			if err != nil {
				return nil, err
			}
			return result.OK(), nil
		},
	}
}

func (b *builtins) listMemoriesTool() *Tool {
	return &Tool{
		Name:        "list_memories",
		Description: "List facts remembered for this session",
		Kind:        Read,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"enum":        categoryEnum,
					"description": "Only this category",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			if b.Store == nil {
				return nil, errors.New("memory store unavailable")
			}
			mems, err := b.Store.Memories(ctx, SessionIDFromContext(ctx))
			if err != nil {
				return nil, err
			}
			filter := stringArg(args, "category")
			out := result.Memories{Memories: []result.Memory{}}
			for _, m := range mems {
				if filter != "" && m.Category != filter {
					continue
				}
				out.Memories = append(out.Memories, result.Memory{
					ID:        m.ID,
					Content:   m.Content,
					Category:  m.Category,
					CreatedAt: m.CreatedAt,
				})
			}
			return out, nil
		},
	}
}

func (b *builtins) createTaskTool() *Tool {
	return &Tool{
		Name:        "create_task",
		Description: "Add a task to the user's timeline, optionally recurring on a cron schedule",
		Kind:        Write,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "What needs doing",
				},
				"due": map[string]any{
					"type":        "string",
					"description": "Due date or time in ISO 8601",
				},
				"schedule": map[string]any{
					"type":        "string",
					"description": "Recurrence as a 5-field cron expression or a descriptor like @daily or @weekly",
				},
			},
			"required": []string{"title"},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			if b.Store == nil {
				return nil, errors.New("task store unavailable")
			}
			due, err := timeArg(args, "due")
			if err != nil {
				return nil, err
			}
			schedule := stringArg(args, "schedule")
			if schedule != "" {
				next, err := scheduler.Next(schedule, b.Now())
				if err != nil {
					return nil, err
				}
				if due == nil {
					due = &next
				}
			}
			_, err = b.Store.SaveTask(ctx, SessionIDFromContext(ctx), store.Task{
				Title:    stringArg(args, "title"),
				Due:      due,
				Schedule: schedule,
			})
			if err != nil {
				return nil, err
			}
			return result.OK(), nil
		},
	}
}

func (b *builtins) listTasksTool() *Tool {
	return &Tool{
		Name:        "list_tasks",
		Description: "List the tasks on this session's timeline",
		Kind:        Read,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"enum":        statusEnum,
					"description": "Only tasks in this status",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			if b.Store == nil {
				return nil, errors.New("task store unavailable")
			}
			tasks, err := b.Store.Tasks(ctx, SessionIDFromContext(ctx))
			if err != nil {
				return nil, err
			}
			filter := store.TaskStatus(stringArg(args, "status"))
			out := result.Tasks{Tasks: []result.Task{}}
			for _, t := range tasks {
				if filter != "" && t.Status != filter {
					continue
				}
				out.Tasks = append(out.Tasks, result.Task{
					ID:       t.ID,
					Title:    t.Title,
					Status:   string(t.Status),
					Due:      t.Due,
					Schedule: t.Schedule,
				})
			}
			return out, nil
		},
	}
}

func (b *builtins) updateTaskStatusTool() *Tool {
	return &Tool{
		Name:        "update_task_status",
		Description: "Move a task to pending, in-progress, or completed",
		Kind:        Write,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Task id from list_tasks",
				},
				"status": map[string]any{
					"type": "string",
					"enum": statusEnum,
				},
			},
			"required": []string{"id", "status"},
		},
		Handler: func(ctx context.Context, args map[string]any) (result.Result, error) {
			if b.Store == nil {
				return nil, errors.New("task store unavailable")
			}
			id := stringArg(args, "id")
			_, err := b.Store.UpdateTaskStatus(ctx, SessionIDFromContext(ctx), id, store.TaskStatus(stringArg(args, "status")))
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("task %s not found", id)
			}
			if err != nil {
				return nil, err
			}
			return result.OK(), nil
		},
	}
}
