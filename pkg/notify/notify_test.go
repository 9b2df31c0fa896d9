package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/pkg/actor"
	"taskboard/pkg/application"
	"taskboard/pkg/events"
	"taskboard/pkg/store"
	"taskboard/pkg/task"
)

type sentMail struct {
	to      []string
	subject string
	body    string
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []sentMail
	fails int
}

func (m *fakeMailer) Send(_ context.Context, to []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

type counts map[string]int

func (c counts) Notification(state task.State, outcome string) {
	c[string(state)+"/"+outcome]++
}

func directory(t *testing.T) *store.MemStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemStore()
	require.NoError(t, s.PutApplication(ctx, &application.Application{
		Acronym: "ACR",
		Permits: application.Permits{application.SlotDone: "pl"},
	}))
	require.NoError(t, s.PutApplication(ctx, &application.Application{Acronym: "BARE"}))
	require.NoError(t, s.CreateGroup(ctx, "pl"))
	for _, a := range []actor.Actor{
		{Name: "alice", Email: "alice@x.com", Active: true},
		{Name: "carol", Email: "carol@x.com", Active: true},
		{Name: "ghost", Email: "ghost@x.com", Active: false},
		{Name: "nomail", Active: true},
	} {
		require.NoError(t, s.PutActor(ctx, &a))
		require.NoError(t, s.AddMember(ctx, "pl", a.Name))
	}
	return s
}

func moved(app string, from, to task.State) *events.Event {
	typ := events.TaskPromoted
	if to == task.Doing || to == task.Todo || to == task.Open {
		typ = events.TaskDemoted
	}
	return events.New(typ, &task.Task{ID: app + "_1", AppAcronym: app, State: to}, from, "alice")
}

func quick(rec Recorder, retries uint64) Options {
	return Options{
		States:        []task.State{task.Done, task.Close},
		Recorder:      rec,
		Retries:       retries,
		RetryInterval: time.Millisecond,
	}
}

func TestHandleMailsActiveDoneGroup(t *testing.T) {
	m := &fakeMailer{}
	rec := counts{}
	n := New(directory(t), m, quick(rec, 0))

	n.Handle(context.Background(), moved("ACR", task.Done, task.Close))

	require.Len(t, m.sent, 1)
	assert.Equal(t, []string{"alice@x.com", "carol@x.com"}, m.sent[0].to)
	assert.Contains(t, m.sent[0].subject, "ACR_1 has been closed")
	assert.True(t, strings.Contains(m.sent[0].body, "from done to close"))
	assert.Equal(t, 1, rec["close/sent"])
}

func TestHandleIgnoresUnwatchedTransitions(t *testing.T) {
	m := &fakeMailer{}
	n := New(directory(t), m, quick(nil, 0))

	n.Handle(context.Background(), moved("ACR", task.Open, task.Todo))
	n.Handle(context.Background(), events.New(events.TaskNoted, &task.Task{ID: "ACR_1", State: task.Done}, task.Done, "alice"))
	assert.Empty(t, m.sent)
}

func TestHandleRetriesThenSucceeds(t *testing.T) {
	m := &fakeMailer{fails: 2}
	rec := counts{}
	n := New(directory(t), m, quick(rec, 3))

	n.Handle(context.Background(), moved("ACR", task.Doing, task.Done))
	require.Len(t, m.sent, 1)
	assert.Contains(t, m.sent[0].subject, "ready for review")
	assert.Equal(t, 1, rec["done/sent"])
}

func TestHandleSwallowsPersistentFailure(t *testing.T) {
	m := &fakeMailer{fails: 100}
	rec := counts{}
	n := New(directory(t), m, quick(rec, 1))

	n.Handle(context.Background(), moved("ACR", task.Doing, task.Done))
	assert.Empty(t, m.sent)
	assert.Equal(t, 1, rec["done/failed"])
}

func TestHandleSkipsWithoutDoneGroup(t *testing.T) {
	m := &fakeMailer{}
	rec := counts{}
	n := New(directory(t), m, quick(rec, 0))

	n.Handle(context.Background(), moved("BARE", task.Doing, task.Done))
	n.Handle(context.Background(), moved("NOPE", task.Doing, task.Done))
	assert.Empty(t, m.sent)
	assert.Equal(t, 1, rec["done/skipped"])
	assert.Equal(t, 1, rec["done/failed"])
}

func TestDefaultStatesWatchDoneOnly(t *testing.T) {
	m := &fakeMailer{}
	n := New(directory(t), m, Options{RetryInterval: time.Millisecond})

	n.Handle(context.Background(), moved("ACR", task.Done, task.Close))
	assert.Empty(t, m.sent)
	n.Handle(context.Background(), moved("ACR", task.Doing, task.Done))
	assert.Len(t, m.sent, 1)
}

func TestRunStopsOnClose(t *testing.T) {
	m := &fakeMailer{}
	n := New(directory(t), m, quick(nil, 0))
	bus := events.NewBus()
	ch := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		n.Run(context.Background(), ch)
		close(done)
	}()
	bus.Publish(moved("ACR", task.Doing, task.Done))
	bus.Close()
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.sent, 1)
}

func TestMessageHeaders(t *testing.T) {
	raw := string(message("board@x.com", []string{"a@x.com", "b@x.com"}, "hi", "line1\nline2"))
	assert.Contains(t, raw, "From: board@x.com\r\n")
	assert.Contains(t, raw, "To: a@x.com, b@x.com\r\n")
	assert.Contains(t, raw, "Subject: hi\r\n")
	assert.True(t, strings.HasSuffix(raw, "line1\r\nline2"))
}

// stalledDirectory never answers until its context ends.
type stalledDirectory struct{}

func (stalledDirectory) GetApplication(ctx context.Context, _ string) (*application.Application, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledDirectory) GroupMembers(ctx context.Context, _ string) ([]actor.Actor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandleBoundsRecipientLookup(t *testing.T) {
	m := &fakeMailer{}
	rec := counts{}
	opts := quick(rec, 0)
	opts.Timeout = 20 * time.Millisecond
	n := New(stalledDirectory{}, m, opts)

	finished := make(chan struct{})
	go func() {
		n.Handle(context.Background(), moved("ACR", task.Doing, task.Done))
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not give up on a stalled directory")
	}
	assert.Empty(t, m.sent)
	assert.Equal(t, 1, rec["done/failed"])
}

func TestWatches(t *testing.T) {
	n := New(directory(t), &fakeMailer{}, quick(nil, 0))
	assert.True(t, n.Watches(moved("ACR", task.Doing, task.Done)))
	assert.True(t, n.Watches(moved("ACR", task.Done, task.Close)))
	assert.False(t, n.Watches(moved("ACR", task.Open, task.Todo)))

	back := events.New(events.TaskDemoted, &task.Task{ID: "ACR_1", AppAcronym: "ACR", State: task.Done}, task.Close, "alice")
	assert.False(t, n.Watches(back))
}

func TestRunDeliversEveryQueuedEntry(t *testing.T) {
	m := &fakeMailer{}
	n := New(directory(t), m, quick(nil, 0))
	q := events.NewQueue(n.Watches)

	const entries = 200
	for i := range entries {
		tk := &task.Task{ID: fmt.Sprintf("ACR_%d", i+1), AppAcronym: "ACR", State: task.Done}
		q.Publish(events.New(events.TaskNoted, tk, task.Done, "alice"))
		q.Publish(events.New(events.TaskPromoted, tk, task.Doing, "alice"))
	}
	q.Close()
	n.Run(context.Background(), q.C())

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.sent, entries)
}
