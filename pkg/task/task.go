package task

import (
	"fmt"
	"time"
)

// State is a lifecycle state of a task.
type State string

const (
	Open  State = "open"
	Todo  State = "todo"
	Doing State = "doing"
	Done  State = "done"
	Close State = "close"
)

// States lists every legal state in lifecycle order.
var States = []State{Open, Todo, Doing, Done, Close}

// Valid reports whether s is one of the five lifecycle states.
func (s State) Valid() bool {
	switch s {
	case Open, Todo, Doing, Done, Close:
		return true
	}
	return false
}

// ParseState converts a stored or user-supplied value into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown task state %q", v)
	}
	return s, nil
}

// Direction is the way a task moves through the lifecycle.
type Direction string

const (
	Promote Direction = "promote"
	Demote  Direction = "demote"
)

type move struct {
	from State
	dir  Direction
}

// transitions is the complete lifecycle table. Pairs absent from the table
// (promote from close, demote from open) have no target.
var transitions = map[move]State{
	{Open, Promote}:  Todo,
	{Todo, Promote}:  Doing,
	{Doing, Promote}: Done,
	{Done, Promote}:  Close,

	{Todo, Demote}:  Open,
	{Doing, Demote}: Todo,
	{Done, Demote}:  Doing,
	{Close, Demote}: Done,
}

// Next returns the state reached from s in direction d, and false when the
// move is not defined.
func Next(s State, d Direction) (State, bool) {
	next, ok := transitions[move{s, d}]
	return next, ok
}

// Task is a unit of work owned by an application.
type Task struct {
	ID          string    `json:"id"`
	AppAcronym  string    `json:"app_acronym"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Notes       string    `json:"notes"`          // newest entry first
	Plan        string    `json:"plan,omitempty"` // empty = no plan
	State       State     `json:"state"`
	Creator     string    `json:"creator"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
}
