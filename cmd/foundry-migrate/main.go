// foundry-migrate manages the Postgres schema out of band. The service can
// apply migrations itself at startup (store.auto_migrate); this tool exists
// for deployments that gate schema changes separately.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/cuemby/foundry/pkg/config"
	"github.com/cuemby/foundry/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Path to config file (YAML)")
	direction  = flag.String("action", "up", "Migration action: up, down, or status")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if cfg.Store.Driver != "postgres" {
		log.Fatalf("Migrations only apply to the postgres driver (configured: %s)", cfg.Store.Driver)
	}

	db, err := sqlx.Connect("pgx", cfg.Store.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to %s:%d/%s: %v",
			cfg.Store.Host, cfg.Store.Port, cfg.Store.Database, err)
	}
	defer db.Close()

	switch *direction {
	case "up":
		if err := storage.Migrate(db.DB); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Migrations applied.")
	case "down":
		if err := storage.MigrateDown(db.DB); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		fmt.Println("Rolled back one migration.")
	case "status":
		if err := storage.MigrationStatus(db.DB); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown action %q (want up, down, or status)\n", *direction)
		os.Exit(2)
	}
}
