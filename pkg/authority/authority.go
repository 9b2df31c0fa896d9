// Package authority resolves which group may act in each permission slot of
// an application and whether a principal belongs to it.
package authority

import (
	"context"
	"errors"
	"fmt"

	"taskboard/pkg/application"
	"taskboard/pkg/store"
)

// ErrApplicationNotFound is returned when the acronym names no application.
var ErrApplicationNotFound = errors.New("application not found")

// Reader is the read surface the resolver needs. Both the pool-level store
// and an open transaction satisfy it.
type Reader interface {
	GetApplication(ctx context.Context, acronym string) (*application.Application, error)
	IsMember(ctx context.Context, principal, group string) (bool, error)
}

// Resolver answers permission questions. It holds no state of its own.
type Resolver struct {
	r Reader
}

// New returns a Resolver reading from r.
func New(r Reader) *Resolver {
	return &Resolver{r: r}
}

// PermittedGroup returns the group configured for slot on the application.
// ok is false when the slot is unset.
func (v *Resolver) PermittedGroup(ctx context.Context, acronym string, slot application.Slot) (string, bool, error) {
	app, err := v.r.GetApplication(ctx, acronym)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, fmt.Errorf("%w: %s", ErrApplicationNotFound, acronym)
	}
	if err != nil {
		return "", false, fmt.Errorf("get application %s: %w", acronym, err)
	}
	group, ok := app.Permits.Group(slot)
	return group, ok, nil
}

// IsMember reports whether principal belongs to group.
func (v *Resolver) IsMember(ctx context.Context, principal, group string) (bool, error) {
	if principal == "" || group == "" {
		return false, nil
	}
	ok, err := v.r.IsMember(ctx, principal, group)
	if err != nil {
		return false, fmt.Errorf("check membership %s in %s: %w", principal, group, err)
	}
	return ok, nil
}

// Authorize reports whether principal may act in slot of the application.
// Unconfigured slots deny everyone.
func (v *Resolver) Authorize(ctx context.Context, principal, acronym string, slot application.Slot) (bool, error) {
	group, ok, err := v.PermittedGroup(ctx, acronym, slot)
	if err != nil || !ok {
		return false, err
	}
	return v.IsMember(ctx, principal, group)
}

// Slots evaluates every permission slot of the application for principal.
func (v *Resolver) Slots(ctx context.Context, principal, acronym string) (map[application.Slot]bool, error) {
	app, err := v.r.GetApplication(ctx, acronym)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, acronym)
	}
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", acronym, err)
	}
	out := make(map[application.Slot]bool, len(application.Slots))
	memo := make(map[string]bool)
	for _, slot := range application.Slots {
		group, ok := app.Permits.Group(slot)
		if !ok {
			out[slot] = false
			continue
		}
		member, seen := memo[group]
		if !seen {
			member, err = v.IsMember(ctx, principal, group)
			if err != nil {
				return nil, err
			}
			memo[group] = member
		}
		out[slot] = member
	}
	return out, nil
}
