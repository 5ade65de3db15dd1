// Command migrate applies the SQL migrations: migrate [up|down|status].
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/SirClappington/cronq/internal/config"
	"github.com/SirClappington/cronq/internal/migrate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx := context.Background()
	switch cmd {
	case "up":
		err = migrate.Up(ctx, cfg.PostgresDSN, cfg.MigrationsDir)
	case "down":
		err = migrate.Down(ctx, cfg.PostgresDSN, cfg.MigrationsDir)
	case "status":
		err = migrate.Status(ctx, cfg.PostgresDSN, cfg.MigrationsDir)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [up|down|status]\n", os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}
