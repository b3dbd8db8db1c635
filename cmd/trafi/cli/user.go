package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trafi/trafi/internal/rbac"
	"github.com/trafi/trafi/internal/service"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage store users",
		Long:  "Create, list, disable and enable the users who sign in to a store's administration API.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserActiveCmd("disable", false))
	cmd.AddCommand(newUserActiveCmd("enable", true))

	return cmd
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		tenant   string
		email    string
		password string
		name     string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Long:  "Create a user directly in the store. Use it to bootstrap the first OWNER of a store.",
		Example: `  trafi user create --tenant store-1 --email owner@example.com
  trafi user create --tenant store-1 --email ops@example.com --role ADMIN --password secret123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(cmd, tenant, email, password, name, role)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Store the user belongs to (required)")
	cmd.Flags().StringVar(&email, "email", "", "User email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "User password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleOwner), "Role: OWNER, ADMIN, EDITOR or VIEWER")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runUserCreate(cmd *cobra.Command, tenant, email, password, name, roleName string) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}
	role, err := rbac.ParseRole(strings.ToUpper(roleName))
	if err != nil {
		return err
	}

	// Prompt for password if not provided
	if password == "" {
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	a, _, err := openAppFromFlags()
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.auth.CreateUser(context.Background(), service.CreateUserInput{
		TenantID: tenant,
		Email:    email,
		Name:     name,
		Password: password,
		Role:     role,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s user %q in %s\n", user.Role, user.Email, tenant)
	fmt.Fprintf(cmd.OutOrStdout(), "  ID: %s\n", user.ID)
	return nil
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pwBytes), nil
}

// ---------- user list ----------

func newUserListCmd() *cobra.Command {
	var (
		tenant     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the users of a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openAppFromFlags()
			if err != nil {
				return err
			}
			defer a.Close()

			users, err := a.auth.ListUsers(context.Background(), tenant)
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, users)
			}
			if len(users) == 0 {
				fmt.Fprintln(out, "No users in this store. Use 'trafi user create' to create one.")
				return nil
			}

			fmt.Fprintf(out, "%-36s %-30s %-8s %-8s\n", "ID", "EMAIL", "ROLE", "ACTIVE")
			fmt.Fprintf(out, "%-36s %-30s %-8s %-8s\n", "--", "-----", "----", "------")
			for _, u := range users {
				active := "yes"
				if !u.IsActive {
					active = "no"
				}
				fmt.Fprintf(out, "%-36s %-30s %-8s %-8s\n", u.ID, u.Email, u.Role, active)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Store to list (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

// ---------- user disable / enable ----------

func newUserActiveCmd(use string, active bool) *cobra.Command {
	var (
		tenant string
		id     string
	)

	short := "Disable a user"
	long := "Disable a user. A disabled user cannot sign in or refresh; access tokens already issued stay valid until they expire."
	if active {
		short = "Enable a disabled user"
		long = "Enable a user that was disabled, allowing them to sign in again."
	}

	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Long:    long,
		Example: fmt.Sprintf("  trafi user %s --tenant store-1 --id 0f8c2e4a-...", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openAppFromFlags()
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.auth.SetUserActive(context.Background(), tenant, id, active)
			if err != nil {
				return fmt.Errorf("%s user: %w", use, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s user %q in %s\n", pastTense(use), user.Email, tenant)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Store the user belongs to (required)")
	cmd.Flags().StringVar(&id, "id", "", "User ID (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("id")

	return cmd
}

func pastTense(verb string) string {
	return strings.ToUpper(verb[:1]) + verb[1:] + "d"
}
