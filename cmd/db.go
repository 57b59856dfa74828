package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tapbench/internal/storage"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the shared Postgres results database",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the tapbench schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, _ := cmd.Flags().GetString("dsn")
		if dsn == "" {
			dsn = viper.GetString("dsn")
		}
		if dsn == "" {
			return errors.New("no dsn: pass --dsn or set TAPBENCH_DSN")
		}
		pg, err := storage.OpenPG(cmd.Context(), dsn)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Bootstrap(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("✅ Schema tapbench is ready")
		return nil
	},
}

func init() {
	dbInitCmd.Flags().String("dsn", "", "postgres connection string")
	dbCmd.AddCommand(dbInitCmd)
}
