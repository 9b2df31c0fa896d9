package authority

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/pkg/application"
	"taskboard/pkg/store"
)

type fakeReader struct {
	apps    map[string]*application.Application
	members map[string][]string
	err     error
	calls   int
}

func (f *fakeReader) GetApplication(_ context.Context, acronym string) (*application.Application, error) {
	if f.err != nil {
		return nil, f.err
	}
	app, ok := f.apps[acronym]
	if !ok {
		return nil, store.ErrNotFound
	}
	return app, nil
}

func (f *fakeReader) IsMember(_ context.Context, principal, group string) (bool, error) {
	f.calls++
	for _, m := range f.members[group] {
		if m == principal {
			return true, nil
		}
	}
	return false, nil
}

func newFake() *fakeReader {
	return &fakeReader{
		apps: map[string]*application.Application{
			"ACR": {Acronym: "ACR", Permits: application.Permits{
				application.SlotCreate: "pl",
				application.SlotOpen:   "pm",
				application.SlotTodo:   "dev",
				application.SlotDoing:  "dev",
				application.SlotDone:   "pl",
			}},
			"BARE": {Acronym: "BARE"},
		},
		members: map[string][]string{
			"pl":  {"alice", "carol"},
			"dev": {"dave"},
		},
	}
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	v := New(newFake())

	cases := []struct {
		principal string
		slot      application.Slot
		want      bool
	}{
		{"alice", application.SlotCreate, true},
		{"bob", application.SlotCreate, false},
		{"dave", application.SlotDoing, true},
		{"alice", application.SlotDoing, false},
		{"alice", application.SlotOpen, false},
		{"", application.SlotCreate, false},
	}
	for _, tc := range cases {
		got, err := v.Authorize(ctx, tc.principal, "ACR", tc.slot)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s/%s", tc.principal, tc.slot)
	}
}

func TestAuthorizeUnconfiguredSlotDenies(t *testing.T) {
	v := New(newFake())
	ok, err := v.Authorize(context.Background(), "alice", "BARE", application.SlotCreate)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = v.PermittedGroup(context.Background(), "BARE", application.SlotDone)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthorizeUnknownApplication(t *testing.T) {
	v := New(newFake())
	_, err := v.Authorize(context.Background(), "alice", "NOPE", application.SlotCreate)
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}

func TestAuthorizeStorageFailureIsDistinct(t *testing.T) {
	f := newFake()
	f.err = errors.New("connection reset")
	v := New(f)
	_, err := v.Authorize(context.Background(), "alice", "ACR", application.SlotCreate)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrApplicationNotFound)
	assert.ErrorIs(t, err, f.err)
}

func TestSlots(t *testing.T) {
	f := newFake()
	v := New(f)
	got, err := v.Slots(context.Background(), "alice", "ACR")
	require.NoError(t, err)
	assert.Equal(t, map[application.Slot]bool{
		application.SlotCreate: true,
		application.SlotOpen:   false,
		application.SlotTodo:   false,
		application.SlotDoing:  false,
		application.SlotDone:   true,
	}, got)
	// pl, pm, dev: one lookup per distinct group.
	assert.Equal(t, 3, f.calls)

	_, err = v.Slots(context.Background(), "alice", "NOPE")
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}
