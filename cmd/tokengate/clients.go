package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/tokengate/internal/auth"
	"github.com/alexjbarnes/tokengate/internal/config"
	"github.com/alexjbarnes/tokengate/internal/logging"
	"github.com/alexjbarnes/tokengate/internal/models"
)

func newClientsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered clients",
	}

	cmd.AddCommand(newClientsRegisterCommand(), newClientsListCommand())

	return cmd
}

func newClientsRegisterCommand() *cobra.Command {
	var (
		id          string
		secret      string
		scope       []string
		permissions []string
		grants      []string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a client and print its secret",
		Long: "Register a client for the client credentials grant. The secret is printed once\n" +
			"and only its hash is stored. Omit --id or --secret to have one generated.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			perms, err := parsePermissions(permissions, grants)
			if err != nil {
				return err
			}

			return withRegistry(cmd.Context(), func(reg *auth.Registry) error {
				c, clear, err := reg.Register(cmd.Context(), auth.ClientSpec{
					ClientID:    id,
					Secret:      secret,
					Scope:       scope,
					Permissions: perms,
				})
				if err != nil {
					return fmt.Errorf("registering client: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "client_id:     %s\n", c.ClientID)
				fmt.Fprintf(out, "client_secret: %s\n", clear)
				fmt.Fprintf(out, "scope:         %s\n", c.ScopeString())
				fmt.Fprintf(out, "permissions:   %s\n", formatPermissions(c.Permissions))

				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&id, "id", "", "client id (generated when empty)")
	f.StringVar(&secret, "secret", "", "client secret, at least 16 characters (generated when empty)")
	f.StringSliceVar(&scope, "scope", nil, "scope labels (default read)")
	f.StringArrayVar(&permissions, "permission", nil, "route permission as PATH=METHOD[,METHOD], repeatable")
	f.StringSliceVar(&grants, "grant", nil, "named permission grants")

	return cmd
}

func newClientsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd.Context(), func(reg *auth.Registry) error {
				clients, err := reg.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("listing clients: %w", err)
				}

				return writeClientTable(cmd.OutOrStdout(), clients)
			})
		},
	}
}

// withRegistry opens the configured store for the duration of fn.
func withRegistry(ctx context.Context, fn func(*auth.Registry) error) error {
	cfg, err := config.LoadStore()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, "warn")

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	return fn(auth.NewRegistry(backend, logger, nil))
}

func writeClientTable(w io.Writer, clients []models.Client) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT_ID\tSCOPE\tPERMISSIONS\tCREATED")

	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			c.ClientID,
			c.ScopeString(),
			formatPermissions(c.Permissions),
			c.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	return tw.Flush()
}

// parsePermissions builds permissions from PATH=METHODS route flags and
// named grants.
func parsePermissions(routes, grants []string) (models.Permissions, error) {
	p := models.Permissions{Grants: grants}

	for _, r := range routes {
		path, methods, ok := strings.Cut(r, "=")
		if !ok || path == "" || methods == "" {
			return models.Permissions{}, fmt.Errorf("invalid --permission %q, want PATH=METHOD[,METHOD]", r)
		}

		if p.Routes == nil {
			p.Routes = make(map[string][]string)
		}

		p.Routes[path] = append(p.Routes[path], strings.Split(methods, ",")...)
	}

	return p.Normalize(), nil
}

func formatPermissions(p models.Permissions) string {
	if p.IsZero() {
		return "-"
	}

	paths := make([]string, 0, len(p.Routes))
	for path := range p.Routes {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	parts := make([]string, 0, len(paths)+len(p.Grants))
	for _, path := range paths {
		parts = append(parts, path+"="+strings.Join(p.Routes[path], ","))
	}

	parts = append(parts, p.Grants...)

	return strings.Join(parts, " ")
}
