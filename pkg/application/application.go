// Package application models the project containers that own tasks, their
// plans, and the group configured to act in each lifecycle state.
package application

import (
	"time"

	"taskboard/pkg/task"
)

// Slot names one of the five permission slots of an application.
type Slot string

const (
	SlotCreate Slot = "create"
	SlotOpen   Slot = "open"
	SlotTodo   Slot = "todo"
	SlotDoing  Slot = "doing"
	SlotDone   Slot = "done"
)

// Slots lists every permission slot.
var Slots = []Slot{SlotCreate, SlotOpen, SlotTodo, SlotDoing, SlotDone}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	switch s {
	case SlotCreate, SlotOpen, SlotTodo, SlotDoing, SlotDone:
		return true
	}
	return false
}

// stateSlots maps a task state to the slot that governs acting on a task in
// that state. A closed task is governed by the group that closed it.
var stateSlots = map[task.State]Slot{
	task.Open:  SlotOpen,
	task.Todo:  SlotTodo,
	task.Doing: SlotDoing,
	task.Done:  SlotDone,
	task.Close: SlotDone,
}

// SlotFor returns the permission slot governing tasks in state s.
func SlotFor(s task.State) (Slot, bool) {
	slot, ok := stateSlots[s]
	return slot, ok
}

// Permits maps each slot to the single group allowed to act in it. A missing
// or empty entry means no group is allowed.
type Permits map[Slot]string

// Group returns the configured group for slot.
func (p Permits) Group(slot Slot) (string, bool) {
	g, ok := p[slot]
	if !ok || g == "" {
		return "", false
	}
	return g, true
}

// Application is a project that owns tasks.
type Application struct {
	Acronym       string     `json:"acronym"`
	Description   string     `json:"description"`
	RunningNumber int        `json:"running_number"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Permits       Permits    `json:"permits"`
}

// Plan is an optional classification a task of the same application can
// reference.
type Plan struct {
	AppAcronym string     `json:"app_acronym"`
	Name       string     `json:"name"`
	Colour     string     `json:"colour"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
}
