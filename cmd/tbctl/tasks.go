package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskboard/pkg/events"
	"taskboard/pkg/lifecycle"
	"taskboard/pkg/notify"
	"taskboard/pkg/store"
	"taskboard/pkg/task"
)

// pending collects the events of one command so they can be notified once
// the command's change has committed.
type pending []*events.Event

func (p *pending) Publish(e *events.Event) { *p = append(*p, e) }

// withEngine runs fn against an engine and then delivers notifications for
// whatever fn committed.
func withEngine(cmd *cobra.Command, fn func(e *lifecycle.Engine, principal string) error) error {
	principal, _ := cmd.Flags().GetString("as")
	var evs pending
	composer, err := task.NewNoteComposer(cfg.NoteLocale)
	if err != nil {
		return err
	}
	engine := lifecycle.New(st, lifecycle.Options{
		Publisher: &evs,
		Composer:  composer,
		Timeout:   cfg.StoreTimeout,
	})
	if err := fn(engine, principal); err != nil {
		return err
	}

	var mailer notify.Mailer = notify.LogMailer{}
	if cfg.SMTPAddr != "" {
		mailer = &notify.SMTPMailer{Addr: cfg.SMTPAddr, From: cfg.MailFrom, Username: cfg.SMTPUser, Password: cfg.SMTPPassword}
	}
	n := notify.New(st, mailer, notify.Options{States: cfg.Notify()})
	for _, e := range evs {
		n.Handle(rootCtx, e)
	}
	return nil
}

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Create and move tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <acronym> <name>",
	Short: "Create a task in the open state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := lifecycle.CreateInput{Application: args[0], Name: args[1]}
		in.Description, _ = cmd.Flags().GetString("description")
		in.Notes, _ = cmd.Flags().GetString("notes")
		in.Plan, _ = cmd.Flags().GetString("plan")
		return withEngine(cmd, func(e *lifecycle.Engine, principal string) error {
			t, err := e.CreateTask(rootCtx, principal, in)
			if err != nil {
				return err
			}
			return printJSON(t)
		})
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *lifecycle.Engine, _ string) error {
			t, err := e.Task(rootCtx, args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list <acronym>",
	Short: "List the tasks of an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := store.TaskFilter{App: args[0]}
		f.Plan, _ = cmd.Flags().GetString("plan")
		state, _ := cmd.Flags().GetString("state")
		f.State = task.State(state)
		return withEngine(cmd, func(e *lifecycle.Engine, _ string) error {
			tasks, err := e.Tasks(rootCtx, f)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("%-12s %-6s %-10s %s\n", t.ID, t.State, t.Owner, t.Name)
			}
			return nil
		})
	},
}

var taskNoteCmd = &cobra.Command{
	Use:   "note <id> <text>",
	Short: "Append an entry to a task's notes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *lifecycle.Engine, principal string) error {
			notes, err := e.UpdateNotes(rootCtx, principal, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Print(notes)
			fmt.Println()
			return nil
		})
	},
}

var taskPlanCmd = &cobra.Command{
	Use:   "plan <id> [plan]",
	Short: "Assign a task to a plan, or clear its plan",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan := ""
		if len(args) == 2 {
			plan = args[1]
		}
		return withEngine(cmd, func(e *lifecycle.Engine, principal string) error {
			t, err := e.UpdatePlan(rootCtx, principal, args[0], plan)
			if err != nil {
				return err
			}
			return printJSON(t)
		})
	},
}

func moveCmd(use, short string, dir task.Direction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *lifecycle.Engine, principal string) error {
				move := e.Promote
				if dir == task.Demote {
					move = e.Demote
				}
				t, err := move(rootCtx, principal, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s is now %s (owner %s)\n", t.ID, t.State, t.Owner)
				return nil
			})
		},
	}
}

var permsCmd = &cobra.Command{
	Use:     "perms <acronym>",
	GroupID: "tasks",
	Short:   "Show which slots the --as user may act in",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *lifecycle.Engine, principal string) error {
			perms, err := e.Permissions(rootCtx, principal, args[0])
			if err != nil {
				return err
			}
			return printJSON(perms)
		})
	},
}

func init() {
	taskCreateCmd.Flags().String("description", "", "task description")
	taskCreateCmd.Flags().String("notes", "", "initial note entry")
	taskCreateCmd.Flags().String("plan", "", "plan to attach the task to")
	taskListCmd.Flags().String("plan", "", "only tasks in this plan")
	taskListCmd.Flags().String("state", "", "only tasks in this state")

	taskCmd.PersistentFlags().String("as", "", "user to act as")
	permsCmd.Flags().String("as", "", "user to check")

	taskCmd.AddCommand(
		taskCreateCmd, taskShowCmd, taskListCmd, taskNoteCmd, taskPlanCmd,
		moveCmd("promote", "Move a task one state forward", task.Promote),
		moveCmd("demote", "Move a task one state back", task.Demote),
	)
	rootCmd.AddCommand(taskCmd, permsCmd)
}
