// Package store persists applications, plans, actors, groups and tasks.
//
// All multi-statement effects run inside RunInTx. Row locks taken through a
// Tx (LockApplication, LockTask) are held until the unit commits or rolls
// back, and are the only synchronization the lifecycle engine relies on.
package store

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskboard/pkg/actor"
	"taskboard/pkg/application"
	"taskboard/pkg/task"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing key.
	ErrConflict = errors.New("conflict")
)

// Reader is the read surface shared by a Store and an open Tx.
type Reader interface {
	GetApplication(ctx context.Context, acronym string) (*application.Application, error)
	GetPlan(ctx context.Context, acronym, name string) (*application.Plan, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	IsMember(ctx context.Context, principal, group string) (bool, error)
}

// Tx is one atomic unit of work.
type Tx interface {
	Reader

	// LockApplication reads the application row and holds a write lock on
	// it until the unit ends.
	LockApplication(ctx context.Context, acronym string) (*application.Application, error)
	SetRunningNumber(ctx context.Context, acronym string, n int) error
	InsertTask(ctx context.Context, t *task.Task) error

	// LockTask reads the task row and holds a write lock on it until the
	// unit ends.
	LockTask(ctx context.Context, id string) (*task.Task, error)
	// PrependNotes puts entry in front of the stored log and returns the
	// resulting log.
	PrependNotes(ctx context.Context, id, entry string) (string, error)
	UpdateTaskState(ctx context.Context, id string, state task.State, owner string) error
	UpdateTaskPlan(ctx context.Context, id, plan string) error
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	App   string
	Plan  string
	State task.State
}

// Store is the contract for persistence.
type Store interface {
	Reader

	// RunInTx runs fn in a transaction. The unit commits when fn returns
	// nil and rolls back when it returns an error or panics.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	ListTasks(ctx context.Context, f TaskFilter) ([]task.Task, error)
	ListApplications(ctx context.Context) ([]application.Application, error)
	ListPlans(ctx context.Context, acronym string) ([]application.Plan, error)
	GetActor(ctx context.Context, name string) (*actor.Actor, error)
	GroupMembers(ctx context.Context, group string) ([]actor.Actor, error)

	// PutApplication inserts or updates an application. An existing
	// running number is never changed.
	PutApplication(ctx context.Context, app *application.Application) error
	PutPlan(ctx context.Context, p *application.Plan) error
	PutActor(ctx context.Context, a *actor.Actor) error
	CreateGroup(ctx context.Context, name string) error
	AddMember(ctx context.Context, group, actorName string) error

	EnsureSchema(ctx context.Context) error
	Close()
}

const txRetryMaxElapsed = 2 * time.Second

func newTxBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = txRetryMaxElapsed
	return bo
}

// retryTx runs once until it succeeds, fails with a non-retryable error, or
// the retry window closes.
func retryTx(ctx context.Context, retryable func(error) bool, once func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := once()
		if err == nil {
			return nil
		}
		if retryable(err) {
			log.Printf("store: transaction attempt %d: %v (retrying)", attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(newTxBackoff(), ctx))
}
