package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/billing/internal/config"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "billing-server",
		Short: "Multi-tenant billing and entitlement API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir overrides them.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, "", err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
	if err != nil {
		return nil, nil, "", err
	}
	return db.NewMigrator(pool, migrationSource(dir)), pool.Close, cfg.DBSchema, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, closeFn, defSchema, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closeFn()
			if schema == "" {
				schema = defSchema
			}

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, closeFn, defSchema, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closeFn()
			if schema == "" {
				schema = defSchema
			}

			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage session tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a signed session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			role, _ := cmd.Flags().GetString("role")
			org, _ := cmd.Flags().GetString("org")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := issueToken(jwtConfig(cfg), sub, role, org, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issueCmd.Flags().String("sub", "", "User id placed in the token subject")
	issueCmd.Flags().String("role", auth.RoleOrgAdmin, "super_admin, org_admin or org_member")
	issueCmd.Flags().String("org", "", "Organization id (ignored for super_admin)")
	issueCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")

	cmd.AddCommand(issueCmd)
	return cmd
}

func issueToken(cfg auth.JWTConfig, sub, role, org string, ttl time.Duration, now time.Time) (string, error) {
	if sub == "" {
		return "", fmt.Errorf("--sub is required")
	}
	switch role {
	case auth.RoleSuperAdmin:
	case auth.RoleOrgAdmin, auth.RoleOrgMember:
		if org == "" {
			return "", fmt.Errorf("--org is required for role %s", role)
		}
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("--ttl must be positive")
	}
	if len(cfg.SigningKey) == 0 {
		return "", fmt.Errorf("AUTH_SIGNING_KEY is required to issue tokens")
	}
	return auth.IssueToken(cfg, auth.Principal{UserID: sub, Role: role, OrganizationID: org}, ttl, now)
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}
