package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-migrate/pkg/docstore"
)

func newUsersCmd(a *app) *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users on the target deployment",
	}
	cmd.PersistentFlags().StringVar(&database, "database", "", "Database the users are defined on (default: target auth source)")

	// withUsers connects to the target for the duration of fn.
	withUsers := func(cmd *cobra.Command, fn func(ctx context.Context, u *docstore.UserAdmin) error) error {
		ctx := cmd.Context()
		m, err := docstore.Connect(ctx, &a.cfg.Target, a.logger)
		if err != nil {
			return err
		}
		defer closeTarget(m, a.logger)
		return fn(ctx, m.Users(database))
	}

	var (
		password string
		roles    []string
	)

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseRoles(roles, a.cfg.Target.Database)
			if err != nil {
				return err
			}
			return withUsers(cmd, func(ctx context.Context, u *docstore.UserAdmin) error {
				return u.CreateUser(ctx, args[0], password, parsed)
			})
		},
	}
	create.Flags().StringVar(&password, "password", "", "Password of the new user")
	create.Flags().StringSliceVar(&roles, "role", nil, "Role as name or name@database, repeatable")
	_ = create.MarkFlagRequired("password")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withUsers(cmd, func(ctx context.Context, u *docstore.UserAdmin) error {
				users, err := u.ListUsers(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "USER\tDATABASE\tROLES")
				for _, user := range users {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", user.Name, user.Database, formatRoles(user.Roles))
				}
				return tw.Flush()
			})
		},
	}

	var updateRoles []string
	updateRole := &cobra.Command{
		Use:   "update-role <name>",
		Short: "Replace the roles of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseRoles(updateRoles, a.cfg.Target.Database)
			if err != nil {
				return err
			}
			return withUsers(cmd, func(ctx context.Context, u *docstore.UserAdmin) error {
				return u.UpdateRole(ctx, args[0], parsed)
			})
		},
	}
	updateRole.Flags().StringSliceVar(&updateRoles, "role", nil, "Role as name or name@database, repeatable")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd, func(ctx context.Context, u *docstore.UserAdmin) error {
				return u.DeleteUser(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, updateRole, del)
	return cmd
}

// parseRoles turns "readWrite@orders" or "readWrite" into roles. A role
// without a database applies to defaultDB.
func parseRoles(specs []string, defaultDB string) ([]docstore.Role, error) {
	roles := make([]docstore.Role, 0, len(specs))
	for _, spec := range specs {
		name, db, found := strings.Cut(strings.TrimSpace(spec), "@")
		if !found {
			db = defaultDB
		}
		if name == "" || db == "" {
			return nil, fmt.Errorf("invalid role %q: expected name@database", spec)
		}
		roles = append(roles, docstore.Role{Role: name, DB: db})
	}
	return roles, nil
}

func formatRoles(roles []docstore.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = r.Role + "@" + r.DB
	}
	return strings.Join(parts, ",")
}
