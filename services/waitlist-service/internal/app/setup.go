package app

import (
	"context"
	"fmt"

	"github.com/alatar/waitlist/services/waitlist-service/internal/db"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the signups unique index",
	Long:  "Creates the unique index on signups.email (mongo) or the signups table (postgres). Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		rt, err := bootstrap(ctx, viper.GetViper())
		if err != nil {
			return err
		}
		defer rt.Close()

		fmt.Printf("Ensuring signup schema (%s)...\n", rt.cfg.Database.Driver)
		if err := ensureSchema(ctx, rt.manager); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}

		fmt.Println("✓ Database setup complete.")
		return nil
	},
}

func ensureSchema(ctx context.Context, m *db.Manager) error {
	return m.WithConn(ctx, func(conn db.Conn) error {
		return conn.EnsureSchema(ctx)
	})
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
