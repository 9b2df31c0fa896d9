// Package lifecycle creates tasks and moves them through their states under
// the permission rules of their application.
//
// The Engine holds no locks or caches. Every multi-step effect runs inside a
// single store transaction, and permission is checked both before the
// transaction and again on the locked row whenever the state moved in
// between. Events are published only after commit.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/pkg/application"
	"taskboard/pkg/authority"
	"taskboard/pkg/events"
	"taskboard/pkg/store"
	"taskboard/pkg/task"
)

// Publisher receives committed lifecycle events.
type Publisher interface {
	Publish(e *events.Event)
}

// Metrics records operation outcomes.
type Metrics interface {
	Observe(op, outcome string, d time.Duration)
	Transition(app string, from, to task.State)
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Publisher Publisher
	Metrics   Metrics
	Composer  *task.NoteComposer
	Tracer    trace.Tracer
	// Timeout bounds the store work of one operation.
	Timeout time.Duration
	Now     func() time.Time
}

// Engine implements the task operations.
type Engine struct {
	store    store.Store
	auth     *authority.Resolver
	pub      Publisher
	metrics  Metrics
	composer *task.NoteComposer
	tracer   trace.Tracer
	timeout  time.Duration
	now      func() time.Time
}

// New creates an Engine over s.
func New(s store.Store, opts Options) *Engine {
	e := &Engine{
		store:    s,
		auth:     authority.New(s),
		pub:      opts.Publisher,
		metrics:  opts.Metrics,
		composer: opts.Composer,
		tracer:   opts.Tracer,
		timeout:  opts.Timeout,
		now:      opts.Now,
	}
	if e.composer == nil {
		e.composer, _ = task.NewNoteComposer("")
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("taskboard/lifecycle")
	}
	if e.timeout <= 0 {
		e.timeout = 5 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// CreateInput carries the fields of a new task.
type CreateInput struct {
	Application string `json:"application"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Notes       string `json:"notes"`
	Plan        string `json:"plan"`
}

// op starts a span and a timer for one operation. The returned function
// ends both and classifies the error.
func (e *Engine) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "lifecycle."+name, trace.WithAttributes(attrs...))
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	return ctx, func(errp *error) {
		cancel()
		*errp = classify(*errp)
		if *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, Outcome(*errp))
		}
		span.End()
		if e.metrics != nil {
			e.metrics.Observe(name, Outcome(*errp), time.Since(start))
		}
	}
}

func (e *Engine) publish(ev *events.Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}

// allocateID increments the application's running number under its row
// lock and returns the new task id.
func allocateID(ctx context.Context, tx store.Tx, acronym string) (string, error) {
	app, err := tx.LockApplication(ctx, acronym)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrApplicationNotFound, acronym)
	}
	if err != nil {
		return "", err
	}
	n := app.RunningNumber + 1
	if err := tx.SetRunningNumber(ctx, acronym, n); err != nil {
		return "", err
	}
	return task.FormatID(acronym, n), nil
}

// getTask reads a task, mapping a missing row to ErrTaskNotFound.
func getTask(ctx context.Context, r store.Reader, id string) (*task.Task, error) {
	t, err := r.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

func lockTask(ctx context.Context, tx store.Tx, id string) (*task.Task, error) {
	t, err := tx.LockTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// authorizeState checks principal against the group governing the task's
// current state.
func authorizeState(ctx context.Context, r authority.Reader, principal string, t *task.Task) error {
	slot, ok := application.SlotFor(t.State)
	if !ok {
		return fmt.Errorf("%w: task %s is in unknown state %q", ErrForbidden, t.ID, t.State)
	}
	allowed, err := authority.New(r).Authorize(ctx, principal, t.AppAcronym, slot)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s may not act on %s tasks of %s", ErrForbidden, principal, t.State, t.AppAcronym)
	}
	return nil
}

// lockAndRecheck locks the task inside tx and re-authorizes when its state
// changed since pre was read.
func lockAndRecheck(ctx context.Context, tx store.Tx, principal string, pre *task.Task) (*task.Task, error) {
	cur, err := lockTask(ctx, tx, pre.ID)
	if err != nil {
		return nil, err
	}
	if cur.State != pre.State {
		if err := authorizeState(ctx, tx, principal, cur); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// CreateTask allocates an id and inserts a new open task owned by
// principal.
func (e *Engine) CreateTask(ctx context.Context, principal string, in CreateInput) (_ *task.Task, err error) {
	ctx, done := e.op(ctx, "create_task", attribute.String("app", in.Application), attribute.String("principal", principal))
	defer done(&err)

	if strings.TrimSpace(in.Application) == "" {
		return nil, fmt.Errorf("%w: application is required", ErrInvalidInput)
	}
	allowed, err := e.auth.Authorize(ctx, principal, in.Application, application.SlotCreate)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s may not create tasks in %s", ErrForbidden, principal, in.Application)
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.Plan != "" {
		if _, err := e.store.GetPlan(ctx, in.Application, in.Plan); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: plan %s does not exist in %s", ErrInvalidInput, in.Plan, in.Application)
			}
			return nil, err
		}
	}

	var created *task.Task
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		id, err := allocateID(ctx, tx, in.Application)
		if err != nil {
			return err
		}
		t := &task.Task{
			ID:          id,
			AppAcronym:  in.Application,
			Name:        in.Name,
			Description: in.Description,
			Plan:        in.Plan,
			State:       task.Open,
			Creator:     principal,
			Owner:       principal,
			CreatedAt:   e.now().UTC().Truncate(time.Microsecond),
		}
		if in.Notes != "" {
			t.Notes = e.composer.Append("", principal, task.Open, in.Notes)
		}
		if err := tx.InsertTask(ctx, t); err != nil {
			return fmt.Errorf("insert task %s: %w", id, err)
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events.New(events.TaskCreated, created, "", principal))
	return created, nil
}

// UpdateNotes prepends an entry to the task's note log and returns the new
// log.
func (e *Engine) UpdateNotes(ctx context.Context, principal, id, text string) (_ string, err error) {
	ctx, done := e.op(ctx, "update_notes", attribute.String("task", id), attribute.String("principal", principal))
	defer done(&err)

	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: notes are required", ErrInvalidInput)
	}
	pre, err := getTask(ctx, e.store, id)
	if err != nil {
		return "", err
	}
	if err := authorizeState(ctx, e.store, principal, pre); err != nil {
		return "", err
	}

	var notes string
	var cur *task.Task
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		t, err := lockAndRecheck(ctx, tx, principal, pre)
		if err != nil {
			return err
		}
		notes, err = tx.PrependNotes(ctx, id, e.composer.Entry(principal, t.State, text))
		if err != nil {
			return fmt.Errorf("prepend notes %s: %w", id, err)
		}
		cur = t
		return nil
	})
	if err != nil {
		return "", err
	}
	cur.Notes = notes
	e.publish(events.New(events.TaskNoted, cur, cur.State, principal))
	return notes, nil
}

// UpdatePlan reassigns the task's plan. An empty plan clears it.
func (e *Engine) UpdatePlan(ctx context.Context, principal, id, plan string) (_ *task.Task, err error) {
	ctx, done := e.op(ctx, "update_plan", attribute.String("task", id), attribute.String("principal", principal))
	defer done(&err)

	pre, err := getTask(ctx, e.store, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeState(ctx, e.store, principal, pre); err != nil {
		return nil, err
	}
	if plan != "" {
		if _, err := e.store.GetPlan(ctx, pre.AppAcronym, plan); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: plan %s does not exist in %s", ErrInvalidInput, plan, pre.AppAcronym)
			}
			return nil, err
		}
	}

	var cur *task.Task
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		t, err := lockAndRecheck(ctx, tx, principal, pre)
		if err != nil {
			return err
		}
		if err := tx.UpdateTaskPlan(ctx, id, plan); err != nil {
			return fmt.Errorf("update task plan %s: %w", id, err)
		}
		t.Plan = plan
		cur = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events.New(events.TaskReplaned, cur, cur.State, principal))
	return cur, nil
}

// Promote moves the task one state forward and makes principal its owner.
func (e *Engine) Promote(ctx context.Context, principal, id string) (*task.Task, error) {
	return e.move(ctx, principal, id, task.Promote)
}

// Demote moves the task one state back. The owner is unchanged.
func (e *Engine) Demote(ctx context.Context, principal, id string) (*task.Task, error) {
	return e.move(ctx, principal, id, task.Demote)
}

func (e *Engine) move(ctx context.Context, principal, id string, dir task.Direction) (_ *task.Task, err error) {
	ctx, done := e.op(ctx, string(dir), attribute.String("task", id), attribute.String("principal", principal))
	defer done(&err)

	pre, err := getTask(ctx, e.store, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeState(ctx, e.store, principal, pre); err != nil {
		return nil, err
	}

	var from task.State
	var cur *task.Task
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		t, err := lockAndRecheck(ctx, tx, principal, pre)
		if err != nil {
			return err
		}
		next, ok := task.Next(t.State, dir)
		if !ok {
			return fmt.Errorf("%w: cannot %s %s from %s", ErrInvalidTransition, dir, id, t.State)
		}
		owner := t.Owner
		if dir == task.Promote {
			owner = principal
		}
		if err := tx.UpdateTaskState(ctx, id, next, owner); err != nil {
			return fmt.Errorf("update task state %s: %w", id, err)
		}
		from = t.State
		t.State, t.Owner = next, owner
		cur = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.Transition(cur.AppAcronym, from, cur.State)
	}
	typ := events.TaskPromoted
	if dir == task.Demote {
		typ = events.TaskDemoted
	}
	e.publish(events.New(typ, cur, from, principal))
	return cur, nil
}

// Permissions reports, for every slot of the application, whether principal
// belongs to its group.
func (e *Engine) Permissions(ctx context.Context, principal, acronym string) (_ map[application.Slot]bool, err error) {
	ctx, done := e.op(ctx, "check_permission", attribute.String("app", acronym), attribute.String("principal", principal))
	defer done(&err)

	if strings.TrimSpace(acronym) == "" {
		return nil, fmt.Errorf("%w: application is required", ErrInvalidInput)
	}
	return e.auth.Slots(ctx, principal, acronym)
}

// Task returns a single task.
func (e *Engine) Task(ctx context.Context, id string) (_ *task.Task, err error) {
	ctx, done := e.op(ctx, "get_task", attribute.String("task", id))
	defer done(&err)
	return getTask(ctx, e.store, id)
}

// Tasks lists the tasks of an application, optionally narrowed by plan and
// state.
func (e *Engine) Tasks(ctx context.Context, f store.TaskFilter) (_ []task.Task, err error) {
	ctx, done := e.op(ctx, "list_tasks", attribute.String("app", f.App))
	defer done(&err)

	if strings.TrimSpace(f.App) == "" {
		return nil, fmt.Errorf("%w: app is required", ErrInvalidInput)
	}
	if f.State != "" && !f.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, f.State)
	}
	if _, err := e.store.GetApplication(ctx, f.App); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, f.App)
		}
		return nil, err
	}
	return e.store.ListTasks(ctx, f)
}
