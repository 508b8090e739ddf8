package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo API clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo API clients...")

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		repo := repository.NewAPIClientsRepository(sqlDB)
		for _, c := range demoClients() {
			if err := repo.Upsert(ctx, c); err != nil {
				return fmt.Errorf("upsert client %q: %w", c.Name, err)
			}
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// demoClients are deterministic so the keys can be pasted into curl.
func demoClients() []model.APIClient {
	return []model.APIClient{
		{Name: "Front Desk", APIKey: "11111111111111111111111111111111", Status: "active", RateLimitRPS: intptr(20)},
		{Name: "Campaigns", APIKey: "22222222222222222222222222222222", Status: "active", RateLimitRPS: intptr(50)},
		{Name: "Beta Testers", APIKey: "33333333333333333333333333333333", Status: "active", RateLimitRPS: intptr(5)},
		{Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: "suspended"},
	}
}

func intptr(i int) *int { return &i }
