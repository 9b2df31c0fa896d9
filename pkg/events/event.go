// Package events fans committed lifecycle changes out to in-process
// subscribers such as the notifier and the live event stream.
package events

import (
	"time"

	"github.com/google/uuid"

	"taskboard/pkg/task"
)

// Event types.
const (
	TaskCreated  = "task.created"
	TaskNoted    = "task.noted"
	TaskReplaned = "task.replanned"
	TaskPromoted = "task.promoted"
	TaskDemoted  = "task.demoted"
)

// Event describes a change that has already been committed.
type Event struct {
	ID     string     `json:"id"` // UUID v7 (time-ordered)
	Type   string     `json:"type"`
	TaskID string     `json:"task_id"`
	App    string     `json:"app"`
	From   task.State `json:"from,omitempty"`
	To     task.State `json:"to"`
	Actor  string     `json:"actor"`
	At     time.Time  `json:"at"`
}

// New stamps an event with a fresh id and the current time.
func New(eventType string, t *task.Task, from task.State, actorName string) *Event {
	return &Event{
		ID:     uuid.Must(uuid.NewV7()).String(),
		Type:   eventType,
		TaskID: t.ID,
		App:    t.AppAcronym,
		From:   from,
		To:     t.State,
		Actor:  actorName,
		At:     time.Now().UTC(),
	}
}

// Entered reports whether the event promoted a task into state s. Demotes
// never count: moving back into a state is not a new arrival.
func (e *Event) Entered(s task.State) bool {
	return e.Type == TaskPromoted && e.To == s && e.From != s
}
