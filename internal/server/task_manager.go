package server

import (
	"sync"

	"github.com/google/uuid"
)

// TaskStatus defines the possible states of a task.
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task represents a background image ingestion.
type Task struct {
	mu     sync.RWMutex
	id     string
	status TaskStatus
	done   int
	total  int
	err    string
	result any
}

// TaskView is the JSON form of a Task.
type TaskView struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
	Done   int        `json:"done"`
	Total  int        `json:"total"`
	Error  string     `json:"error,omitempty"`
	Result any        `json:"result,omitempty"`
}

// TaskManager tracks asynchronous tasks. Finished tasks beyond the
// retention limit are forgotten oldest first.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	order  []string
	retain int
}

// NewTaskManager keeps up to retain finished tasks; a non-positive value
// means 100.
func NewTaskManager(retain int) *TaskManager {
	if retain <= 0 {
		retain = 100
	}
	return &TaskManager{tasks: make(map[string]*Task), retain: retain}
}

// NewTask creates a new task, registers it, and returns it.
func (tm *TaskManager) NewTask(total int) *Task {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task := &Task{id: uuid.New().String(), status: TaskStatusStarted, total: total}
	tm.tasks[task.id] = task
	tm.order = append(tm.order, task.id)
	tm.evictLocked()
	return task
}

func (tm *TaskManager) evictLocked() {
	for len(tm.order) > tm.retain {
		evicted := false
		for i, id := range tm.order {
			t := tm.tasks[id]
			if st := t.View().Status; st == TaskStatusCompleted || st == TaskStatusFailed {
				delete(tm.tasks, id)
				tm.order = append(tm.order[:i], tm.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// GetTask safely retrieves a task by its ID.
func (tm *TaskManager) GetTask(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, found := tm.tasks[id]
	return task, found
}

func (t *Task) ID() string { return t.id }

func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskView{ID: t.id, Status: t.status, Done: t.done, Total: t.total, Error: t.err, Result: t.result}
}

// SetProgress marks the task running with done of total steps finished.
func (t *Task) SetProgress(done int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskStatusRunning
	t.done = done
}

// Complete records the result of a successful task.
func (t *Task) Complete(result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskStatusCompleted
	t.done = t.total
	t.result = result
}

// SetError marks the task as failed and records the error message.
func (t *Task) SetError(err error, partial any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskStatusFailed
	t.err = err.Error()
	t.result = partial
}
