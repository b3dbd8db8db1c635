package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trafi/trafi/internal/apikey"
	"github.com/trafi/trafi/internal/config"
	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/rbac"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke the scoped API keys integrations use against the Trafi API.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		tenant  string
		name    string
		scopes  []string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long: fmt.Sprintf(`Generate a new API key limited to a set of scopes. The raw key is shown once and
cannot be retrieved again.

Scopes: %s`, strings.Join(rbac.ScopeStrings(rbac.AllScopes()), ", ")),
		Example: `  trafi key create --tenant store-1 --name "Storefront" --scopes products:read,orders:read
  trafi key create --tenant store-1 --name CI --scopes inventory:write --expires 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openAppFromFlags()
			if err != nil {
				return err
			}
			defer a.Close()

			in := apikey.CreateInput{TenantID: tenant, Name: name, Scopes: scopes}
			if expires > 0 {
				at := time.Now().UTC().Add(expires)
				in.ExpiresAt = &at
			}
			created, err := a.keys.Create(context.Background(), in)
			if err != nil {
				return fmt.Errorf("create api key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "API Key created:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Key:    %s\n", created.Plaintext)
			fmt.Fprintf(out, "  ID:     %s\n", created.Key.ID)
			fmt.Fprintf(out, "  Scopes: %s\n", strings.Join(rbac.ScopeStrings(created.Key.Scopes), ", "))
			if created.Key.ExpiresAt != nil {
				fmt.Fprintf(out, "  Expires: %s\n", created.Key.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Store the key belongs to (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "Comma-separated scopes (required)")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Lifetime of the key, e.g. 720h (default: no expiry)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("scopes")

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		tenant         string
		includeRevoked bool
		jsonOutput     bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the API keys of a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openAppFromFlags()
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := listAllKeys(context.Background(), a.keys, tenant, includeRevoked)
			if err != nil {
				return fmt.Errorf("list api keys: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, keys)
			}
			if len(keys) == 0 {
				fmt.Fprintln(out, "No API keys configured. Use 'trafi key create' to create one.")
				return nil
			}

			fmt.Fprintf(out, "%-18s %-20s %-6s %-40s %-8s\n", "PREFIX", "NAME", "LAST4", "SCOPES", "STATUS")
			fmt.Fprintf(out, "%-18s %-20s %-6s %-40s %-8s\n", "------", "----", "-----", "------", "------")
			now := time.Now()
			for _, k := range keys {
				status := "active"
				switch {
				case k.IsRevoked():
					status = "revoked"
				case k.IsExpired(now):
					status = "expired"
				}
				fmt.Fprintf(out, "%-18s %-20s %-6s %-40s %-8s\n",
					k.KeyPrefix, k.Name, k.LastFourChars, strings.Join(rbac.ScopeStrings(k.Scopes), ","), status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Store to list (required)")
	cmd.Flags().BoolVar(&includeRevoked, "include-revoked", false, "Include revoked keys")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

// listAllKeys pages through every key of a tenant.
func listAllKeys(ctx context.Context, m *apikey.Manager, tenant string, includeRevoked bool) ([]model.APIKey, error) {
	var all []model.APIKey
	for page := 1; ; page++ {
		p, err := m.List(ctx, tenant, apikey.ListOptions{Page: page, Limit: apikey.MaxLimit, IncludeRevoked: includeRevoked})
		if err != nil {
			return nil, err
		}
		all = append(all, p.Keys...)
		if len(p.Keys) == 0 || int64(len(all)) >= p.Total {
			return all, nil
		}
	}
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "revoke <prefix|id>",
		Short: "Revoke an API key by its prefix or id",
		Long:  "Revoke an API key, rejecting every later request that presents it. Revoking twice is harmless.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openAppFromFlags()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			id := args[0]
			if strings.HasPrefix(id, apikey.Literal) {
				// A pasted full key is cut down to its lookup prefix.
				if n := len(apikey.Literal) + 8; len(id) > n {
					id = id[:n]
				}
				k, err := a.store.GetAPIKeyByPrefix(ctx, id)
				if errors.Is(err, config.ErrNotFound) {
					return fmt.Errorf("no API key found with prefix %q", id)
				}
				if err != nil {
					return fmt.Errorf("look up api key: %w", err)
				}
				id = k.ID
			}

			k, err := a.keys.Revoke(ctx, tenant, id)
			if errors.Is(err, apikey.ErrNotFound) {
				return fmt.Errorf("no API key %q in %s", args[0], tenant)
			}
			if err != nil {
				return fmt.Errorf("revoke api key: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %q (prefix %s) at %s\n",
				k.Name, k.KeyPrefix, k.RevokedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Store the key belongs to (required)")
	cmd.MarkFlagRequired("tenant")

	return cmd
}
