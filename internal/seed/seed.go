// Package seed loads users, groups and applications from a YAML file into a
// store. Applying the same file twice leaves the store unchanged.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"taskboard/pkg/actor"
	"taskboard/pkg/application"
	"taskboard/pkg/store"
)

const dateLayout = "2006-01-02"

// File is the document layout.
type File struct {
	Users        []User              `yaml:"users"`
	Groups       map[string][]string `yaml:"groups"` // group -> member names
	Applications []App               `yaml:"applications"`
}

type User struct {
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
	Active *bool  `yaml:"active"` // defaults to true
}

type App struct {
	Acronym       string            `yaml:"acronym"`
	Description   string            `yaml:"description"`
	RunningNumber int               `yaml:"running_number"`
	StartDate     string            `yaml:"start_date"`
	EndDate       string            `yaml:"end_date"`
	Permits       map[string]string `yaml:"permits"` // slot -> group
	Plans         []Plan            `yaml:"plans"`
}

type Plan struct {
	Name      string `yaml:"name"`
	Colour    string `yaml:"colour"`
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Users, Groups, Members, Applications, Plans int
}

// Parse decodes and validates a seed document. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	var errs []error
	for i, u := range f.Users {
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("users[%d]: name is required", i))
		}
	}
	for i, a := range f.Applications {
		if a.Acronym == "" {
			errs = append(errs, fmt.Errorf("applications[%d]: acronym is required", i))
		}
		if a.RunningNumber < 0 {
			errs = append(errs, fmt.Errorf("application %s: running_number must not be negative", a.Acronym))
		}
		for slot, group := range a.Permits {
			if !application.Slot(slot).Valid() {
				errs = append(errs, fmt.Errorf("application %s: unknown permit slot %q", a.Acronym, slot))
			}
			if _, ok := f.Groups[group]; group != "" && !ok {
				errs = append(errs, fmt.Errorf("application %s: permit %s names undeclared group %q", a.Acronym, slot, group))
			}
		}
		for _, p := range a.Plans {
			if p.Name == "" {
				errs = append(errs, fmt.Errorf("application %s: plan name is required", a.Acronym))
			}
		}
	}
	return errors.Join(errs...)
}

func parseDate(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &t, nil
}

// Apply writes f to s: users, then groups and memberships, then
// applications with their plans.
func Apply(ctx context.Context, s store.Store, f *File) (Summary, error) {
	var sum Summary
	for _, u := range f.Users {
		active := u.Active == nil || *u.Active
		if err := s.PutActor(ctx, &actor.Actor{Name: u.Name, Email: u.Email, Active: active}); err != nil {
			return sum, err
		}
		sum.Users++
	}
	for group, members := range f.Groups {
		if err := s.CreateGroup(ctx, group); err != nil {
			return sum, err
		}
		sum.Groups++
		for _, m := range members {
			if err := s.AddMember(ctx, group, m); err != nil {
				return sum, err
			}
			sum.Members++
		}
	}
	for _, a := range f.Applications {
		app, err := toApplication(a)
		if err != nil {
			return sum, err
		}
		if err := s.PutApplication(ctx, app); err != nil {
			return sum, err
		}
		sum.Applications++
		for _, p := range a.Plans {
			plan := &application.Plan{AppAcronym: a.Acronym, Name: p.Name, Colour: p.Colour}
			if plan.StartDate, err = parseDate("plan "+p.Name+" start_date", p.StartDate); err != nil {
				return sum, err
			}
			if plan.EndDate, err = parseDate("plan "+p.Name+" end_date", p.EndDate); err != nil {
				return sum, err
			}
			if err := s.PutPlan(ctx, plan); err != nil {
				return sum, err
			}
			sum.Plans++
		}
	}
	return sum, nil
}

func toApplication(a App) (*application.Application, error) {
	app := &application.Application{
		Acronym:       a.Acronym,
		Description:   a.Description,
		RunningNumber: a.RunningNumber,
		Permits:       application.Permits{},
	}
	for slot, group := range a.Permits {
		app.Permits[application.Slot(slot)] = group
	}
	var err error
	if app.StartDate, err = parseDate("application "+a.Acronym+" start_date", a.StartDate); err != nil {
		return nil, err
	}
	if app.EndDate, err = parseDate("application "+a.Acronym+" end_date", a.EndDate); err != nil {
		return nil, err
	}
	return app, nil
}
