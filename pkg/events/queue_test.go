package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/pkg/task"
)

func TestQueueKeepsEverythingInOrder(t *testing.T) {
	q := NewQueue(nil)
	const n = 1000
	for i := range n {
		q.Publish(New(TaskNoted, &task.Task{ID: fmt.Sprintf("ACR_%d", i), State: task.Open}, task.Open, "alice"))
	}
	q.Close()

	var got []string
	for e := range q.C() {
		got = append(got, e.TaskID)
	}
	require.Len(t, got, n)
	assert.Equal(t, "ACR_0", got[0])
	assert.Equal(t, fmt.Sprintf("ACR_%d", n-1), got[n-1])
}

func TestQueueFilters(t *testing.T) {
	q := NewQueue(func(e *Event) bool { return e.Entered(task.Done) })
	tk := &task.Task{ID: "ACR_1", State: task.Done}
	q.Publish(New(TaskNoted, tk, task.Done, "alice"))
	q.Publish(New(TaskPromoted, tk, task.Doing, "alice"))
	q.Publish(New(TaskDemoted, tk, task.Close, "alice"))
	q.Close()

	var types []string
	for e := range q.C() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{TaskPromoted}, types)
}

func TestQueueIgnoresPublishAfterClose(t *testing.T) {
	q := NewQueue(nil)
	q.Close()
	q.Publish(New(TaskCreated, &task.Task{ID: "ACR_1", State: task.Open}, "", "alice"))
	_, ok := <-q.C()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

func TestFanoutPublishesToAll(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	q := NewQueue(nil)
	e := New(TaskCreated, &task.Task{ID: "ACR_1", State: task.Open}, "", "alice")

	Fanout{b, q}.Publish(e)
	q.Close()
	assert.Same(t, e, <-ch)
	assert.Same(t, e, <-q.C())
}
