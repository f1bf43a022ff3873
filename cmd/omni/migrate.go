package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/automagik/omni/internal/config"
	"github.com/automagik/omni/internal/db"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp()
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrateUp()
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrateVersion()
			},
		},
	)
	return cmd
}

func openConn() (*db.Conn, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return conn, nil
}

func runMigrateUp() error {
	conn, err := openConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	version, dirty, err := conn.MigrationVersion()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema is dirty at version %d", version)
	}
	fmt.Printf("database at migration version %d\n", version)
	return nil
}

func runMigrateVersion() error {
	conn, err := openConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	version, dirty, err := conn.MigrationVersion()
	if err != nil {
		return err
	}
	if dirty {
		fmt.Printf("version %d (dirty)\n", version)
		return nil
	}
	fmt.Printf("version %d\n", version)
	return nil
}
