package cmd

import (
	"fmt"

	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var withClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		schema, err := migrations.MySQL()
		if err != nil {
			return fmt.Errorf("read mysql migration: %w", err)
		}
		if err := execAll(sqlDB, schema); err != nil {
			return fmt.Errorf("mysql migration: %w", err)
		}
		fmt.Println(">> MySQL migration complete")

		if !withClickHouse {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()

		schema, err = migrations.ClickHouse()
		if err != nil {
			return fmt.Errorf("read clickhouse migration: %w", err)
		}
		if err := execAll(chDB, schema); err != nil {
			return fmt.Errorf("clickhouse migration: %w", err)
		}
		fmt.Println(">> ClickHouse migration complete")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&withClickHouse, "clickhouse", false, "also create the ClickHouse reporting tables")
}

// execAll runs statements one by one; the clickhouse driver rejects multi-statement input.
func execAll(dbx *sqlx.DB, schema string) error {
	for _, stmt := range migrations.Statements(schema) {
		if _, err := dbx.Exec(stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}
