package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"taskboard/internal/api"
	"taskboard/internal/seed"
	"taskboard/pkg/actor"
	"taskboard/pkg/application"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "admin",
	Short:   "Create any missing tables",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the store already ensured the schema.
		fmt.Printf("schema ready (%s)\n", cfg.DBDriver)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:     "seed <file.yaml>",
	GroupID: "admin",
	Short:   "Load users, groups and applications from a YAML file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fh, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fh.Close()
		f, err := seed.Parse(fh)
		if err != nil {
			return err
		}
		sum, err := seed.Apply(rootCtx, st, f)
		if err != nil {
			return err
		}
		fmt.Printf("seeded %d users, %d groups (%d memberships), %d applications, %d plans\n",
			sum.Users, sum.Groups, sum.Members, sum.Applications, sum.Plans)
		return nil
	},
}

var appCmd = &cobra.Command{
	Use:     "app",
	GroupID: "admin",
	Short:   "Manage applications",
}

var appPutCmd = &cobra.Command{
	Use:   "put <acronym>",
	Short: "Create or update an application and its permits",
	Long: `Create or update an application. Each --permit-* flag names the group
allowed to act in that slot; an omitted slot allows nobody. The running
number of an existing application is never changed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		app := &application.Application{
			Acronym:     args[0],
			Description: desc,
			Permits:     application.Permits{},
		}
		for _, slot := range application.Slots {
			g, _ := cmd.Flags().GetString("permit-" + string(slot))
			if g != "" {
				app.Permits[slot] = g
			}
		}
		var err error
		if app.StartDate, err = dateFlag(cmd, "start"); err != nil {
			return err
		}
		if app.EndDate, err = dateFlag(cmd, "end"); err != nil {
			return err
		}
		if err := st.PutApplication(rootCtx, app); err != nil {
			return err
		}
		fmt.Printf("application %s saved\n", app.Acronym)
		return nil
	},
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		apps, err := st.ListApplications(rootCtx)
		if err != nil {
			return err
		}
		return printJSON(apps)
	},
}

var planCmd = &cobra.Command{
	Use:     "plan",
	GroupID: "admin",
	Short:   "Manage plans",
}

var planPutCmd = &cobra.Command{
	Use:   "put <acronym> <name>",
	Short: "Create or update a plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		colour, _ := cmd.Flags().GetString("colour")
		p := &application.Plan{AppAcronym: args[0], Name: args[1], Colour: colour}
		var err error
		if p.StartDate, err = dateFlag(cmd, "start"); err != nil {
			return err
		}
		if p.EndDate, err = dateFlag(cmd, "end"); err != nil {
			return err
		}
		if err := st.PutPlan(rootCtx, p); err != nil {
			return err
		}
		fmt.Printf("plan %s/%s saved\n", p.AppAcronym, p.Name)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list <acronym>",
	Short: "List the plans of an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := st.ListPlans(rootCtx, args[0])
		if err != nil {
			return err
		}
		return printJSON(plans)
	},
}

var groupCmd = &cobra.Command{
	Use:     "group",
	GroupID: "admin",
	Short:   "Manage groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.CreateGroup(rootCtx, args[0]); err != nil {
			return err
		}
		fmt.Printf("group %s ready\n", args[0])
		return nil
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add <group> <user>...",
	Short: "Add users to a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range args[1:] {
			if err := st.AddMember(rootCtx, args[0], name); err != nil {
				return err
			}
		}
		fmt.Printf("group %s: added %d users\n", args[0], len(args)-1)
		return nil
	},
}

var groupMembersCmd = &cobra.Command{
	Use:   "members <group>",
	Short: "List active members of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		members, err := st.GroupMembers(rootCtx, args[0])
		if err != nil {
			return err
		}
		return printJSON(members)
	},
}

var userCmd = &cobra.Command{
	Use:     "user",
	GroupID: "admin",
	Short:   "Manage users",
}

var userPutCmd = &cobra.Command{
	Use:   "put <name>",
	Short: "Create or update a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		disabled, _ := cmd.Flags().GetBool("disabled")
		a := &actor.Actor{Name: args[0], Email: email, Active: !disabled}
		if err := st.PutActor(rootCtx, a); err != nil {
			return err
		}
		fmt.Printf("user %s saved (active=%t)\n", a.Name, a.Active)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token <user>",
	GroupID: "admin",
	Short:   "Mint a session token for an active user",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := st.GetActor(rootCtx, args[0])
		if err != nil {
			return err
		}
		if !a.Active {
			return fmt.Errorf("user %s is disabled", a.Name)
		}
		browser, _ := cmd.Flags().GetString("browser")
		ip, _ := cmd.Flags().GetString("ip")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl == 0 {
			ttl = cfg.TokenTTL
		}
		tok, err := api.NewAuthenticator([]byte(cfg.JWTSecret), st, ttl).Issue(a.Name, browser, ip)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func dateFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func init() {
	appPutCmd.Flags().String("description", "", "application description")
	for _, slot := range application.Slots {
		appPutCmd.Flags().String("permit-"+string(slot), "", "group permitted in the "+string(slot)+" slot")
	}
	for _, c := range []*cobra.Command{appPutCmd, planPutCmd} {
		c.Flags().String("start", "", "start date (YYYY-MM-DD)")
		c.Flags().String("end", "", "end date (YYYY-MM-DD)")
	}
	planPutCmd.Flags().String("colour", "", "display colour")
	userPutCmd.Flags().String("email", "", "notification address")
	userPutCmd.Flags().Bool("disabled", false, "store the user as inactive")
	tokenCmd.Flags().String("browser", "", "bind the token to this User-Agent")
	tokenCmd.Flags().String("ip", "", "bind the token to this client address")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default TASKBOARD_TOKEN_TTL)")

	appCmd.AddCommand(appPutCmd, appListCmd)
	planCmd.AddCommand(planPutCmd, planListCmd)
	groupCmd.AddCommand(groupCreateCmd, groupAddCmd, groupMembersCmd)
	userCmd.AddCommand(userPutCmd)
	rootCmd.AddCommand(migrateCmd, seedCmd, appCmd, planCmd, groupCmd, userCmd, tokenCmd)
}
