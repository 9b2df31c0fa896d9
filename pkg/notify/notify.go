// Package notify mails the members of an application's done group when a
// task enters a watched state. It runs after commit and never reports
// failure back to the caller that moved the task.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskboard/pkg/actor"
	"taskboard/pkg/application"
	"taskboard/pkg/events"
	"taskboard/pkg/task"
)

// Directory resolves the recipients of a notification.
type Directory interface {
	GetApplication(ctx context.Context, acronym string) (*application.Application, error)
	GroupMembers(ctx context.Context, group string) ([]actor.Actor, error)
}

// Recorder counts notification outcomes.
type Recorder interface {
	Notification(state task.State, outcome string)
}

// Notification outcomes.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Options tunes a Notifier.
type Options struct {
	// States that trigger a notification when entered. Defaults to done.
	States   []task.State
	Recorder Recorder
	// Timeout bounds the recipient lookup and each send attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed send.
	Retries uint64
	// RetryInterval is the first backoff interval.
	RetryInterval time.Duration
}

// Notifier turns lifecycle events into mail.
type Notifier struct {
	dir    Directory
	mail   Mailer
	states map[task.State]bool
	opts   Options
}

// New creates a Notifier.
func New(dir Directory, mail Mailer, opts Options) *Notifier {
	if len(opts.States) == 0 {
		opts.States = []task.State{task.Done}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	states := make(map[task.State]bool, len(opts.States))
	for _, s := range opts.States {
		states[s] = true
	}
	return &Notifier{dir: dir, mail: mail, states: states, opts: opts}
}

// Run handles events from ch until ctx is done or ch is closed.
func (n *Notifier) Run(ctx context.Context, ch <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			n.Handle(ctx, e)
		}
	}
}

// Watches reports whether e would trigger a notification. It is the filter
// for the queue feeding Run.
func (n *Notifier) Watches(e *events.Event) bool {
	_, ok := n.watched(e)
	return ok
}

func (n *Notifier) watched(e *events.Event) (task.State, bool) {
	for s := range n.states {
		if e.Entered(s) {
			return s, true
		}
	}
	return "", false
}

// Handle mails the done group if e entered a watched state. Errors are
// logged and counted.
func (n *Notifier) Handle(ctx context.Context, e *events.Event) {
	state, ok := n.watched(e)
	if !ok {
		return
	}
	to, err := n.recipients(ctx, e.App)
	if err != nil {
		log.Printf("notify: %s %s: resolve recipients: %v", e.TaskID, state, err)
		n.record(state, OutcomeFailed)
		return
	}
	if len(to) == 0 {
		log.Printf("notify: %s %s: no recipients", e.TaskID, state)
		n.record(state, OutcomeSkipped)
		return
	}

	subject, body := compose(e)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.opts.RetryInterval
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		sctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
		err := n.mail.Send(sctx, to, subject, body)
		if err != nil {
			log.Printf("notify: %s send attempt %d: %v", e.TaskID, attempt, err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, n.opts.Retries), ctx))
	if err != nil {
		log.Printf("notify: %s %s: giving up: %v", e.TaskID, state, err)
		n.record(state, OutcomeFailed)
		return
	}
	log.Printf("notify: %s %s: mailed %d recipients", e.TaskID, state, len(to))
	n.record(state, OutcomeSent)
}

func (n *Notifier) recipients(ctx context.Context, acronym string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()
	app, err := n.dir.GetApplication(ctx, acronym)
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", acronym, err)
	}
	group, ok := app.Permits.Group(application.SlotDone)
	if !ok {
		return nil, nil
	}
	members, err := n.dir.GroupMembers(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("group members %s: %w", group, err)
	}
	var active []actor.Actor
	for _, m := range members {
		if m.Active {
			active = append(active, m)
		}
	}
	return actor.Emails(active), nil
}

func (n *Notifier) record(state task.State, outcome string) {
	if n.opts.Recorder != nil {
		n.opts.Recorder.Notification(state, outcome)
	}
}

func compose(e *events.Event) (subject, body string) {
	switch e.To {
	case task.Done:
		subject = fmt.Sprintf("[%s] %s is ready for review", e.App, e.TaskID)
	case task.Close:
		subject = fmt.Sprintf("[%s] %s has been closed", e.App, e.TaskID)
	default:
		subject = fmt.Sprintf("[%s] %s moved to %s", e.App, e.TaskID, e.To)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s in application %s moved from %s to %s.\n", e.TaskID, e.App, e.From, e.To)
	fmt.Fprintf(&b, "Changed by %s at %s.\n", e.Actor, e.At.Format(time.RFC1123))
	return subject, b.String()
}
