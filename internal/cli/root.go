// Package cli implements the mailsync command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	// database drivers selected by database_driver
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/helpdesk-mailsync/internal/config"
)

var (
	version = "dev"

	configFile string
	cfg        *config.Config
	logger     = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Helpdesk mailbox integration service",
	Long: `mailsync connects support mailboxes over OAuth, turns their unread mail
into helpdesk tickets and sends scheduled notifications.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if c.Version == "dev" {
			c.Version = version
		}
		cfg = c
		logger = c.SetupLogger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Optional config file (yaml, toml or json)")
	rootCmd.AddCommand(serveCmd, migrateCmd, syncCmd, refreshTokensCmd, adminTokenCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
