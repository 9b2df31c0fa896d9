package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"taskboard/pkg/actor"
	"taskboard/pkg/application"
	"taskboard/pkg/task"
)

// sqlDB is satisfied by both *sql.DB and *sql.Tx.
type sqlDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLStore is a MySQL-backed store. The connection must be opened with
// parseTime=true and clientFoundRows=true.
type MySQLStore struct {
	myReader
	db *sql.DB
}

// NewMySQLStore creates a MySQLStore.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{myReader: myReader{db: db}, db: db}
}

// Close closes the connection pool.
func (s *MySQLStore) Close() { _ = s.db.Close() }

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		acronym        VARCHAR(64) PRIMARY KEY,
		description    TEXT NOT NULL,
		running_number INT NOT NULL DEFAULT 0,
		start_date     DATE NULL,
		end_date       DATE NULL,
		permit_create  VARCHAR(128) NULL,
		permit_open    VARCHAR(128) NULL,
		permit_todo    VARCHAR(128) NULL,
		permit_doing   VARCHAR(128) NULL,
		permit_done    VARCHAR(128) NULL,
		CHECK (running_number >= 0)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS plans (
		app_acronym VARCHAR(64) NOT NULL,
		name        VARCHAR(128) NOT NULL,
		colour      VARCHAR(32) NOT NULL DEFAULT '',
		start_date  DATE NULL,
		end_date    DATE NULL,
		PRIMARY KEY (app_acronym, name),
		FOREIGN KEY (app_acronym) REFERENCES applications(acronym)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS actors (
		name       VARCHAR(128) PRIMARY KEY,
		email      VARCHAR(255) NOT NULL DEFAULT '',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS user_groups (
		name VARCHAR(128) PRIMARY KEY
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_name VARCHAR(128) NOT NULL,
		actor_name VARCHAR(128) NOT NULL,
		PRIMARY KEY (group_name, actor_name),
		FOREIGN KEY (group_name) REFERENCES user_groups(name),
		FOREIGN KEY (actor_name) REFERENCES actors(name)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id          VARCHAR(96) PRIMARY KEY,
		app_acronym VARCHAR(64) NOT NULL,
		name        VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		notes       LONGTEXT NOT NULL,
		plan        VARCHAR(128) NULL,
		state       VARCHAR(8) NOT NULL DEFAULT 'open',
		creator     VARCHAR(128) NOT NULL,
		owner       VARCHAR(128) NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		CHECK (state IN ('open','todo','doing','done','close')),
		INDEX idx_tasks_app_state (app_acronym, state),
		FOREIGN KEY (app_acronym) REFERENCES applications(acronym),
		FOREIGN KEY (app_acronym, plan) REFERENCES plans(app_acronym, name)
	) ENGINE=InnoDB`,
}

// EnsureSchema creates the tables if they don't exist.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RunInTx runs fn inside a transaction, retrying deadlocks and lock wait
// timeouts.
func (s *MySQLStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryTx(ctx, mysqlRetryable, func() error {
		return s.runOnce(ctx, fn)
	})
}

func (s *MySQLStore) runOnce(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()
	if err := fn(&myTx{myReader{db: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func mysqlNumber(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}

func mysqlRetryable(err error) bool {
	switch mysqlNumber(err) {
	case 1213, 1205: // deadlock, lock wait timeout
		return true
	}
	return false
}

func mysqlWriteErr(op, key string, err error) error {
	switch mysqlNumber(err) {
	case 1062:
		return fmt.Errorf("%s %s: %w", op, key, ErrConflict)
	case 1452:
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

type myReader struct {
	db sqlDB
}

func scanMyApplication(row scanner) (*application.Application, error) {
	var a application.Application
	var start, end sql.NullTime
	var permits [5]sql.NullString
	err := row.Scan(&a.Acronym, &a.Description, &a.RunningNumber, &start, &end,
		&permits[0], &permits[1], &permits[2], &permits[3], &permits[4])
	if err != nil {
		return nil, err
	}
	a.StartDate, a.EndDate = timePtr(start), timePtr(end)
	a.Permits = application.Permits{}
	for i, slot := range application.Slots {
		if permits[i].Valid && permits[i].String != "" {
			a.Permits[slot] = permits[i].String
		}
	}
	return &a, nil
}

func (r myReader) getApplication(ctx context.Context, acronym, suffix string) (*application.Application, error) {
	a, err := scanMyApplication(r.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE acronym = ?`+suffix, acronym))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get application %s: %w", acronym, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", acronym, err)
	}
	return a, nil
}

// GetApplication retrieves an application by acronym.
func (r myReader) GetApplication(ctx context.Context, acronym string) (*application.Application, error) {
	return r.getApplication(ctx, acronym, "")
}

func scanMyPlan(row scanner) (*application.Plan, error) {
	var p application.Plan
	var start, end sql.NullTime
	if err := row.Scan(&p.AppAcronym, &p.Name, &p.Colour, &start, &end); err != nil {
		return nil, err
	}
	p.StartDate, p.EndDate = timePtr(start), timePtr(end)
	return &p, nil
}

// GetPlan retrieves a plan of an application.
func (r myReader) GetPlan(ctx context.Context, acronym, name string) (*application.Plan, error) {
	p, err := scanMyPlan(r.db.QueryRowContext(ctx, `
		SELECT app_acronym, name, colour, start_date, end_date
		FROM plans WHERE app_acronym = ? AND name = ?`, acronym, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get plan %s/%s: %w", acronym, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s/%s: %w", acronym, name, err)
	}
	return p, nil
}

func scanMyTask(row scanner) (*task.Task, error) {
	var t task.Task
	var state string
	err := row.Scan(&t.ID, &t.AppAcronym, &t.Name, &t.Description, &t.Notes, &t.Plan,
		&state, &t.Creator, &t.Owner, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.State = task.State(state)
	return &t, nil
}

func (r myReader) getTask(ctx context.Context, id, suffix string) (*task.Task, error) {
	t, err := scanMyTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`+suffix, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetTask retrieves a single task by ID.
func (r myReader) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return r.getTask(ctx, id, "")
}

// IsMember reports whether a membership row exists.
func (r myReader) IsMember(ctx context.Context, principal, group string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM group_members WHERE group_name = ? AND actor_name = ?`,
		group, principal).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check membership %s/%s: %w", group, principal, err)
	}
	return n > 0, nil
}

type myTx struct {
	myReader
}

func (t *myTx) LockApplication(ctx context.Context, acronym string) (*application.Application, error) {
	return t.getApplication(ctx, acronym, " FOR UPDATE")
}

func (t *myTx) exec(ctx context.Context, op, key, q string, args ...any) error {
	res, err := t.db.ExecContext(ctx, q, args...)
	if err != nil {
		return mysqlWriteErr(op, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	return nil
}

func (t *myTx) SetRunningNumber(ctx context.Context, acronym string, n int) error {
	return t.exec(ctx, "set running number", acronym,
		`UPDATE applications SET running_number = ? WHERE acronym = ?`, n, acronym)
}

func (t *myTx) InsertTask(ctx context.Context, tk *task.Task) error {
	return t.exec(ctx, "insert task", tk.ID, `
		INSERT INTO tasks (id, app_acronym, name, description, notes, plan, state, creator, owner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tk.ID, tk.AppAcronym, tk.Name, tk.Description, tk.Notes, nullString(tk.Plan), string(tk.State),
		tk.Creator, tk.Owner, tk.CreatedAt)
}

func (t *myTx) LockTask(ctx context.Context, id string) (*task.Task, error) {
	return t.getTask(ctx, id, " FOR UPDATE")
}

func (t *myTx) PrependNotes(ctx context.Context, id, entry string) (string, error) {
	if err := t.exec(ctx, "prepend notes", id,
		`UPDATE tasks SET notes = CONCAT(?, notes) WHERE id = ?`, entry, id); err != nil {
		return "", err
	}
	var notes string
	if err := t.db.QueryRowContext(ctx, `SELECT notes FROM tasks WHERE id = ?`, id).Scan(&notes); err != nil {
		return "", fmt.Errorf("read notes %s: %w", id, err)
	}
	return notes, nil
}

func (t *myTx) UpdateTaskState(ctx context.Context, id string, state task.State, owner string) error {
	return t.exec(ctx, "update task state", id,
		`UPDATE tasks SET state = ?, owner = ? WHERE id = ?`, string(state), owner, id)
}

func (t *myTx) UpdateTaskPlan(ctx context.Context, id, plan string) error {
	return t.exec(ctx, "update task plan", id,
		`UPDATE tasks SET plan = ? WHERE id = ?`, nullString(plan), id)
}

// ListTasks returns tasks matching f, oldest first.
func (s *MySQLStore) ListTasks(ctx context.Context, f TaskFilter) ([]task.Task, error) {
	var where []string
	var args []any
	if f.App != "" {
		where = append(where, "app_acronym = ?")
		args = append(args, f.App)
	}
	if f.Plan != "" {
		where = append(where, "plan = ?")
		args = append(args, f.Plan)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanMyTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ListApplications returns every application ordered by acronym.
func (s *MySQLStore) ListApplications(ctx context.Context) ([]application.Application, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appColumns+` FROM applications ORDER BY acronym`)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []application.Application
	for rows.Next() {
		a, err := scanMyApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, *a)
	}
	return apps, rows.Err()
}

// ListPlans returns the plans of an application.
func (s *MySQLStore) ListPlans(ctx context.Context, acronym string) ([]application.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_acronym, name, colour, start_date, end_date
		FROM plans WHERE app_acronym = ? ORDER BY name`, acronym)
	if err != nil {
		return nil, fmt.Errorf("list plans %s: %w", acronym, err)
	}
	defer rows.Close()

	var plans []application.Plan
	for rows.Next() {
		p, err := scanMyPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// GetActor retrieves an actor by name.
func (s *MySQLStore) GetActor(ctx context.Context, name string) (*actor.Actor, error) {
	var a actor.Actor
	err := s.db.QueryRowContext(ctx, `SELECT name, email, active, created_at FROM actors WHERE name = ?`, name).
		Scan(&a.Name, &a.Email, &a.Active, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get actor %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get actor %s: %w", name, err)
	}
	return &a, nil
}

// GroupMembers returns the actors in a group ordered by name.
func (s *MySQLStore) GroupMembers(ctx context.Context, group string) ([]actor.Actor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.name, a.email, a.active, a.created_at
		FROM group_members m JOIN actors a ON a.name = m.actor_name
		WHERE m.group_name = ? ORDER BY a.name`, group)
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

func permitNull(p application.Permits, slot application.Slot) sql.NullString {
	g, _ := p.Group(slot)
	return nullString(g)
}

// PutApplication inserts or updates an application without touching its
// running number.
func (s *MySQLStore) PutApplication(ctx context.Context, app *application.Application) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (acronym, description, running_number, start_date, end_date,
			permit_create, permit_open, permit_todo, permit_doing, permit_done)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			description = VALUES(description),
			start_date = VALUES(start_date),
			end_date = VALUES(end_date),
			permit_create = VALUES(permit_create),
			permit_open = VALUES(permit_open),
			permit_todo = VALUES(permit_todo),
			permit_doing = VALUES(permit_doing),
			permit_done = VALUES(permit_done)`,
		app.Acronym, app.Description, app.RunningNumber, app.StartDate, app.EndDate,
		permitNull(app.Permits, application.SlotCreate), permitNull(app.Permits, application.SlotOpen),
		permitNull(app.Permits, application.SlotTodo), permitNull(app.Permits, application.SlotDoing),
		permitNull(app.Permits, application.SlotDone))
	if err != nil {
		return mysqlWriteErr("put application", app.Acronym, err)
	}
	return nil
}

// PutPlan inserts or updates a plan.
func (s *MySQLStore) PutPlan(ctx context.Context, p *application.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (app_acronym, name, colour, start_date, end_date)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE colour = VALUES(colour), start_date = VALUES(start_date), end_date = VALUES(end_date)`,
		p.AppAcronym, p.Name, p.Colour, p.StartDate, p.EndDate)
	if err != nil {
		return mysqlWriteErr("put plan", p.AppAcronym+"/"+p.Name, err)
	}
	return nil
}

// PutActor inserts or updates an actor.
func (s *MySQLStore) PutActor(ctx context.Context, a *actor.Actor) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (name, email, active, created_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE email = VALUES(email), active = VALUES(active)`,
		a.Name, a.Email, a.Active, a.CreatedAt)
	if err != nil {
		return mysqlWriteErr("put actor", a.Name, err)
	}
	return nil
}

// CreateGroup creates a group. Existing groups are left alone.
func (s *MySQLStore) CreateGroup(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT IGNORE INTO user_groups (name) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("create group %s: %w", name, err)
	}
	return nil
}

// AddMember adds an actor to a group. Both must exist.
func (s *MySQLStore) AddMember(ctx context.Context, group, actorName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_name, actor_name) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE group_name = group_name`, group, actorName)
	if err != nil {
		return mysqlWriteErr("add member", group+"/"+actorName, err)
	}
	return nil
}
