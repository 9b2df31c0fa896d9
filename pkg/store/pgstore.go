package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskboard/pkg/actor"
	"taskboard/pkg/application"
	"taskboard/pkg/task"
)

// pgDB is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed store.
type PgStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pgReader: pgReader{db: pool}, pool: pool}
}

// Close releases the pool.
func (s *PgStore) Close() { s.pool.Close() }

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		acronym        TEXT PRIMARY KEY,
		description    TEXT NOT NULL DEFAULT '',
		running_number INTEGER NOT NULL DEFAULT 0 CHECK (running_number >= 0),
		start_date     DATE,
		end_date       DATE,
		permit_create  TEXT,
		permit_open    TEXT,
		permit_todo    TEXT,
		permit_doing   TEXT,
		permit_done    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS plans (
		app_acronym TEXT NOT NULL REFERENCES applications(acronym),
		name        TEXT NOT NULL,
		colour      TEXT NOT NULL DEFAULT '',
		start_date  DATE,
		end_date    DATE,
		PRIMARY KEY (app_acronym, name)
	)`,
	`CREATE TABLE IF NOT EXISTS actors (
		name       TEXT PRIMARY KEY,
		email      TEXT NOT NULL DEFAULT '',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_groups (
		name TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_name TEXT NOT NULL REFERENCES user_groups(name),
		actor_name TEXT NOT NULL REFERENCES actors(name),
		PRIMARY KEY (group_name, actor_name)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		app_acronym TEXT NOT NULL REFERENCES applications(acronym),
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		notes       TEXT NOT NULL DEFAULT '',
		plan        TEXT,
		state       TEXT NOT NULL DEFAULT 'open' CHECK (state IN ('open','todo','doing','done','close')),
		creator     TEXT NOT NULL,
		owner       TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		FOREIGN KEY (app_acronym, plan) REFERENCES plans(app_acronym, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_app_state ON tasks(app_acronym, state)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(app_acronym, plan) WHERE plan IS NOT NULL`,
}

// EnsureSchema creates the tables if they don't exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RunInTx runs fn inside a transaction, retrying serialization failures and
// deadlocks.
func (s *PgStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryTx(ctx, pgRetryable, func() error {
		return s.runOnce(ctx, fn)
	})
}

func (s *PgStore) runOnce(ctx context.Context, fn func(tx Tx) error) (err error) {
	ptx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = ptx.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
		if err != nil {
			_ = ptx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	if err = fn(&pgTx{pgReader{db: ptx}}); err != nil {
		return err
	}
	if err = ptx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func pgRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// pgWriteErr maps constraint violations onto the store sentinels.
func pgWriteErr(op, key string, err error) error {
	switch pgCode(err) {
	case "23505":
		return fmt.Errorf("%s %s: %w", op, key, ErrConflict)
	case "23503":
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// pgReader implements Reader over either the pool or a transaction.
type pgReader struct {
	db pgDB
}

const appColumns = `acronym, description, running_number, start_date, end_date,
	permit_create, permit_open, permit_todo, permit_doing, permit_done`

func scanApplication(row pgx.Row) (*application.Application, error) {
	var a application.Application
	var permits [5]*string
	err := row.Scan(&a.Acronym, &a.Description, &a.RunningNumber, &a.StartDate, &a.EndDate,
		&permits[0], &permits[1], &permits[2], &permits[3], &permits[4])
	if err != nil {
		return nil, err
	}
	a.Permits = application.Permits{}
	for i, slot := range application.Slots {
		if permits[i] != nil && *permits[i] != "" {
			a.Permits[slot] = *permits[i]
		}
	}
	return &a, nil
}

func (r pgReader) getApplication(ctx context.Context, acronym, suffix string) (*application.Application, error) {
	a, err := scanApplication(r.db.QueryRow(ctx,
		`SELECT `+appColumns+` FROM applications WHERE acronym = $1`+suffix, acronym))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get application %s: %w", acronym, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", acronym, err)
	}
	return a, nil
}

// GetApplication retrieves an application by acronym.
func (r pgReader) GetApplication(ctx context.Context, acronym string) (*application.Application, error) {
	return r.getApplication(ctx, acronym, "")
}

// GetPlan retrieves a plan of an application.
func (r pgReader) GetPlan(ctx context.Context, acronym, name string) (*application.Plan, error) {
	var p application.Plan
	err := r.db.QueryRow(ctx, `
		SELECT app_acronym, name, colour, start_date, end_date
		FROM plans WHERE app_acronym = $1 AND name = $2`, acronym, name).
		Scan(&p.AppAcronym, &p.Name, &p.Colour, &p.StartDate, &p.EndDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get plan %s/%s: %w", acronym, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s/%s: %w", acronym, name, err)
	}
	return &p, nil
}

const taskColumns = `id, app_acronym, name, description, notes, COALESCE(plan, ''), state, creator, owner, created_at`

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.AppAcronym, &t.Name, &t.Description, &t.Notes, &t.Plan,
		&t.State, &t.Creator, &t.Owner, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r pgReader) getTask(ctx context.Context, id, suffix string) (*task.Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetTask retrieves a single task by ID.
func (r pgReader) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return r.getTask(ctx, id, "")
}

// IsMember reports whether a membership row exists.
func (r pgReader) IsMember(ctx context.Context, principal, group string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM group_members WHERE group_name = $1 AND actor_name = $2)`,
		group, principal).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check membership %s/%s: %w", group, principal, err)
	}
	return ok, nil
}

// pgTx is a Tx over an open pgx transaction.
type pgTx struct {
	pgReader
}

func (t *pgTx) LockApplication(ctx context.Context, acronym string) (*application.Application, error) {
	return t.getApplication(ctx, acronym, " FOR UPDATE")
}

func (t *pgTx) SetRunningNumber(ctx context.Context, acronym string, n int) error {
	tag, err := t.db.Exec(ctx, `UPDATE applications SET running_number = $1 WHERE acronym = $2`, n, acronym)
	if err != nil {
		return fmt.Errorf("set running number %s: %w", acronym, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set running number %s: %w", acronym, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTask(ctx context.Context, tk *task.Task) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO tasks (id, app_acronym, name, description, notes, plan, state, creator, owner, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)`,
		tk.ID, tk.AppAcronym, tk.Name, tk.Description, tk.Notes, tk.Plan, string(tk.State),
		tk.Creator, tk.Owner, tk.CreatedAt)
	if err != nil {
		return pgWriteErr("insert task", tk.ID, err)
	}
	return nil
}

func (t *pgTx) LockTask(ctx context.Context, id string) (*task.Task, error) {
	return t.getTask(ctx, id, " FOR UPDATE")
}

func (t *pgTx) PrependNotes(ctx context.Context, id, entry string) (string, error) {
	var notes string
	err := t.db.QueryRow(ctx, `UPDATE tasks SET notes = $1 || notes WHERE id = $2 RETURNING notes`, entry, id).Scan(&notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("prepend notes %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("prepend notes %s: %w", id, err)
	}
	return notes, nil
}

func (t *pgTx) UpdateTaskState(ctx context.Context, id string, state task.State, owner string) error {
	tag, err := t.db.Exec(ctx, `UPDATE tasks SET state = $1, owner = $2 WHERE id = $3`, string(state), owner, id)
	if err != nil {
		return fmt.Errorf("update task state %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task state %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpdateTaskPlan(ctx context.Context, id, plan string) error {
	tag, err := t.db.Exec(ctx, `UPDATE tasks SET plan = NULLIF($1, '') WHERE id = $2`, plan, id)
	if err != nil {
		return pgWriteErr("update task plan", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task plan %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListTasks returns tasks matching f, oldest first.
func (s *PgStore) ListTasks(ctx context.Context, f TaskFilter) ([]task.Task, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.App != "" {
		add("app_acronym = $%d", f.App)
	}
	if f.Plan != "" {
		add("plan = $%d", f.Plan)
	}
	if f.State != "" {
		add("state = $%d", string(f.State))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ListApplications returns every application ordered by acronym.
func (s *PgStore) ListApplications(ctx context.Context) ([]application.Application, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+appColumns+` FROM applications ORDER BY acronym`)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []application.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, *a)
	}
	return apps, rows.Err()
}

// ListPlans returns the plans of an application.
func (s *PgStore) ListPlans(ctx context.Context, acronym string) ([]application.Plan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT app_acronym, name, colour, start_date, end_date
		FROM plans WHERE app_acronym = $1 ORDER BY name`, acronym)
	if err != nil {
		return nil, fmt.Errorf("list plans %s: %w", acronym, err)
	}
	defer rows.Close()

	var plans []application.Plan
	for rows.Next() {
		var p application.Plan
		if err := rows.Scan(&p.AppAcronym, &p.Name, &p.Colour, &p.StartDate, &p.EndDate); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// GetActor retrieves an actor by name.
func (s *PgStore) GetActor(ctx context.Context, name string) (*actor.Actor, error) {
	var a actor.Actor
	err := s.pool.QueryRow(ctx, `SELECT name, email, active, created_at FROM actors WHERE name = $1`, name).
		Scan(&a.Name, &a.Email, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get actor %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get actor %s: %w", name, err)
	}
	return &a, nil
}

// GroupMembers returns the actors in a group ordered by name.
func (s *PgStore) GroupMembers(ctx context.Context, group string) ([]actor.Actor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.name, a.email, a.active, a.created_at
		FROM group_members m JOIN actors a ON a.name = m.actor_name
		WHERE m.group_name = $1 ORDER BY a.name`, group)
	if err != nil {
		return nil, fmt.Errorf("group members %s: %w", group, err)
	}
	defer rows.Close()

	var out []actor.Actor
	for rows.Next() {
		var a actor.Actor
		if err := rows.Scan(&a.Name, &a.Email, &a.Active, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func permitArg(p application.Permits, slot application.Slot) *string {
	g, ok := p.Group(slot)
	if !ok {
		return nil
	}
	return &g
}

// PutApplication inserts or updates an application without touching its
// running number.
func (s *PgStore) PutApplication(ctx context.Context, app *application.Application) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO applications (acronym, description, running_number, start_date, end_date,
			permit_create, permit_open, permit_todo, permit_doing, permit_done)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (acronym) DO UPDATE SET
			description = EXCLUDED.description,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			permit_create = EXCLUDED.permit_create,
			permit_open = EXCLUDED.permit_open,
			permit_todo = EXCLUDED.permit_todo,
			permit_doing = EXCLUDED.permit_doing,
			permit_done = EXCLUDED.permit_done`,
		app.Acronym, app.Description, app.RunningNumber, app.StartDate, app.EndDate,
		permitArg(app.Permits, application.SlotCreate), permitArg(app.Permits, application.SlotOpen),
		permitArg(app.Permits, application.SlotTodo), permitArg(app.Permits, application.SlotDoing),
		permitArg(app.Permits, application.SlotDone))
	if err != nil {
		return pgWriteErr("put application", app.Acronym, err)
	}
	return nil
}

// PutPlan inserts or updates a plan.
func (s *PgStore) PutPlan(ctx context.Context, p *application.Plan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plans (app_acronym, name, colour, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (app_acronym, name) DO UPDATE SET
			colour = EXCLUDED.colour, start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date`,
		p.AppAcronym, p.Name, p.Colour, p.StartDate, p.EndDate)
	if err != nil {
		return pgWriteErr("put plan", p.AppAcronym+"/"+p.Name, err)
	}
	return nil
}

// PutActor inserts or updates an actor.
func (s *PgStore) PutActor(ctx context.Context, a *actor.Actor) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().Truncate(time.Microsecond)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO actors (name, email, active, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET email = EXCLUDED.email, active = EXCLUDED.active`,
		a.Name, a.Email, a.Active, a.CreatedAt)
	if err != nil {
		return pgWriteErr("put actor", a.Name, err)
	}
	return nil
}

// CreateGroup creates a group. Existing groups are left alone.
func (s *PgStore) CreateGroup(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO user_groups (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("create group %s: %w", name, err)
	}
	return nil
}

// AddMember adds an actor to a group. Both must exist.
func (s *PgStore) AddMember(ctx context.Context, group, actorName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO group_members (group_name, actor_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		group, actorName)
	if err != nil {
		return pgWriteErr("add member", group+"/"+actorName, err)
	}
	return nil
}
