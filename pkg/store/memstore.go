package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"taskboard/pkg/actor"
	"taskboard/pkg/application"
	"taskboard/pkg/task"
)

type planKey struct{ app, name string }

// MemStore is an in-memory store. Transactions stage their writes and apply
// them on commit; row locks are held per key until the transaction ends and
// waiting for one honours the context.
type MemStore struct {
	mu      sync.Mutex
	apps    map[string]application.Application
	plans   map[planKey]application.Plan
	tasks   map[string]task.Task
	actors  map[string]actor.Actor
	groups  map[string]map[string]bool
	rowLock map[string]chan struct{}
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		apps:    map[string]application.Application{},
		plans:   map[planKey]application.Plan{},
		tasks:   map[string]task.Task{},
		actors:  map[string]actor.Actor{},
		groups:  map[string]map[string]bool{},
		rowLock: map[string]chan struct{}{},
	}
}

// EnsureSchema is a no-op.
func (s *MemStore) EnsureSchema(context.Context) error { return nil }

// Close is a no-op.
func (s *MemStore) Close() {}

func copyApp(a application.Application) *application.Application {
	a.Permits = maps.Clone(a.Permits)
	if a.Permits == nil {
		a.Permits = application.Permits{}
	}
	return &a
}

func (s *MemStore) lock(ctx context.Context, key string) error {
	s.mu.Lock()
	ch, ok := s.rowLock[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLock[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (s *MemStore) unlock(key string) {
	s.mu.Lock()
	ch := s.rowLock[key]
	s.mu.Unlock()
	<-ch
}

// GetApplication retrieves an application by acronym.
func (s *MemStore) GetApplication(_ context.Context, acronym string) (*application.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[acronym]
	if !ok {
		return nil, fmt.Errorf("get application %s: %w", acronym, ErrNotFound)
	}
	return copyApp(a), nil
}

// GetPlan retrieves a plan of an application.
func (s *MemStore) GetPlan(_ context.Context, acronym, name string) (*application.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planKey{acronym, name}]
	if !ok {
		return nil, fmt.Errorf("get plan %s/%s: %w", acronym, name, ErrNotFound)
	}
	return &p, nil
}

// GetTask retrieves a single task by ID.
func (s *MemStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

// IsMember reports whether principal belongs to group.
func (s *MemStore) IsMember(_ context.Context, principal, group string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group][principal], nil
}

// RunInTx runs fn against a staged view of the store.
func (s *MemStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:     s,
		apps:  map[string]application.Application{},
		tasks: map[string]task.Task{},
		added: map[string]bool{},
		held:  map[string]bool{},
	}
	defer tx.release()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return tx.commit()
}

// ListTasks returns tasks matching f, oldest first.
func (s *MemStore) ListTasks(_ context.Context, f TaskFilter) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if f.App != "" && t.AppAcronym != f.App {
			continue
		}
		if f.Plan != "" && t.Plan != f.Plan {
			continue
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListApplications returns every application ordered by acronym.
func (s *MemStore) ListApplications(context.Context) ([]application.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]application.Application, 0, len(s.apps))
	for _, k := range slices.Sorted(maps.Keys(s.apps)) {
		out = append(out, *copyApp(s.apps[k]))
	}
	return out, nil
}

// ListPlans returns the plans of an application ordered by name.
func (s *MemStore) ListPlans(_ context.Context, acronym string) ([]application.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []application.Plan
	for k, p := range s.plans {
		if k.app == acronym {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetActor retrieves an actor by name.
func (s *MemStore) GetActor(_ context.Context, name string) (*actor.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[name]
	if !ok {
		return nil, fmt.Errorf("get actor %s: %w", name, ErrNotFound)
	}
	return &a, nil
}

// GroupMembers returns the actors in a group ordered by name.
func (s *MemStore) GroupMembers(_ context.Context, group string) ([]actor.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []actor.Actor
	for _, name := range slices.Sorted(maps.Keys(s.groups[group])) {
		if a, ok := s.actors[name]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// PutApplication inserts or updates an application without touching its
// running number.
func (s *MemStore) PutApplication(_ context.Context, app *application.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *copyApp(*app)
	if cur, ok := s.apps[app.Acronym]; ok {
		next.RunningNumber = cur.RunningNumber
	}
	s.apps[app.Acronym] = next
	return nil
}

// PutPlan inserts or updates a plan. The application must exist.
func (s *MemStore) PutPlan(_ context.Context, p *application.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[p.AppAcronym]; !ok {
		return fmt.Errorf("put plan %s/%s: %w", p.AppAcronym, p.Name, ErrNotFound)
	}
	s.plans[planKey{p.AppAcronym, p.Name}] = *p
	return nil
}

// PutActor inserts or updates an actor.
func (s *MemStore) PutActor(_ context.Context, a *actor.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if cur, ok := s.actors[a.Name]; ok {
		a.CreatedAt = cur.CreatedAt
	}
	s.actors[a.Name] = *a
	return nil
}

// CreateGroup creates a group. Existing groups are left alone.
func (s *MemStore) CreateGroup(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; !ok {
		s.groups[name] = map[string]bool{}
	}
	return nil
}

// AddMember adds an actor to a group. Both must exist.
func (s *MemStore) AddMember(_ context.Context, group, actorName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("add member %s/%s: %w", group, actorName, ErrNotFound)
	}
	if _, ok := s.actors[actorName]; !ok {
		return fmt.Errorf("add member %s/%s: %w", group, actorName, ErrNotFound)
	}
	members[actorName] = true
	return nil
}

// memTx stages writes against a MemStore.
type memTx struct {
	s     *MemStore
	apps  map[string]application.Application
	tasks map[string]task.Task
	added map[string]bool
	held  map[string]bool
}

func (t *memTx) acquire(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.lock(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	return nil
}

func (t *memTx) release() {
	for key := range t.held {
		t.s.unlock(key)
	}
	clear(t.held)
}

func (t *memTx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id := range t.added {
		if _, ok := t.s.tasks[id]; ok {
			return fmt.Errorf("insert task %s: %w", id, ErrConflict)
		}
	}
	// Only the counter is written under the row lock, so only the counter is
	// copied back. Concurrent PutApplication edits survive.
	for k, staged := range t.apps {
		if cur, ok := t.s.apps[k]; ok {
			cur.RunningNumber = staged.RunningNumber
			t.s.apps[k] = cur
		}
	}
	for k, tk := range t.tasks {
		t.s.tasks[k] = tk
	}
	return nil
}

func (t *memTx) GetApplication(ctx context.Context, acronym string) (*application.Application, error) {
	if a, ok := t.apps[acronym]; ok {
		return copyApp(a), nil
	}
	return t.s.GetApplication(ctx, acronym)
}

func (t *memTx) GetPlan(ctx context.Context, acronym, name string) (*application.Plan, error) {
	return t.s.GetPlan(ctx, acronym, name)
}

func (t *memTx) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if tk, ok := t.tasks[id]; ok {
		return &tk, nil
	}
	return t.s.GetTask(ctx, id)
}

func (t *memTx) IsMember(ctx context.Context, principal, group string) (bool, error) {
	return t.s.IsMember(ctx, principal, group)
}

func (t *memTx) LockApplication(ctx context.Context, acronym string) (*application.Application, error) {
	if err := t.acquire(ctx, "app:"+acronym); err != nil {
		return nil, fmt.Errorf("lock application %s: %w", acronym, err)
	}
	return t.GetApplication(ctx, acronym)
}

func (t *memTx) SetRunningNumber(ctx context.Context, acronym string, n int) error {
	a, err := t.GetApplication(ctx, acronym)
	if err != nil {
		return fmt.Errorf("set running number %s: %w", acronym, err)
	}
	a.RunningNumber = n
	t.apps[acronym] = *a
	return nil
}

func (t *memTx) InsertTask(ctx context.Context, tk *task.Task) error {
	if _, err := t.GetApplication(ctx, tk.AppAcronym); err != nil {
		return fmt.Errorf("insert task %s: %w", tk.ID, err)
	}
	if tk.Plan != "" {
		if _, err := t.GetPlan(ctx, tk.AppAcronym, tk.Plan); err != nil {
			return fmt.Errorf("insert task %s: %w", tk.ID, err)
		}
	}
	if _, err := t.GetTask(ctx, tk.ID); err == nil {
		return fmt.Errorf("insert task %s: %w", tk.ID, ErrConflict)
	}
	t.tasks[tk.ID] = *tk
	t.added[tk.ID] = true
	return nil
}

func (t *memTx) LockTask(ctx context.Context, id string) (*task.Task, error) {
	if err := t.acquire(ctx, "task:"+id); err != nil {
		return nil, fmt.Errorf("lock task %s: %w", id, err)
	}
	return t.GetTask(ctx, id)
}

func (t *memTx) modifyTask(ctx context.Context, op, id string, fn func(*task.Task) error) error {
	tk, err := t.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if err := fn(tk); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	t.tasks[id] = *tk
	return nil
}

func (t *memTx) PrependNotes(ctx context.Context, id, entry string) (string, error) {
	var notes string
	err := t.modifyTask(ctx, "prepend notes", id, func(tk *task.Task) error {
		tk.Notes = entry + tk.Notes
		notes = tk.Notes
		return nil
	})
	return notes, err
}

func (t *memTx) UpdateTaskState(ctx context.Context, id string, state task.State, owner string) error {
	return t.modifyTask(ctx, "update task state", id, func(tk *task.Task) error {
		tk.State = state
		tk.Owner = owner
		return nil
	})
}

func (t *memTx) UpdateTaskPlan(ctx context.Context, id, plan string) error {
	return t.modifyTask(ctx, "update task plan", id, func(tk *task.Task) error {
		if plan != "" {
			if _, err := t.GetPlan(ctx, tk.AppAcronym, plan); err != nil {
				return err
			}
		}
		tk.Plan = plan
		return nil
	})
}
