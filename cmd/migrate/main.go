// Command migrate applies or rolls back Astral's schema migrations.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"astral/cmd/internal/db"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	_ = godotenv.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := db.Migrate(os.Getenv("ASTRAL_DATABASE_URL"), *direction); err != nil {
		log.Error("db.migrate.fail", "direction", *direction, "err", err)
		os.Exit(1)
	}
	log.Info("db.migrate.done", "direction", *direction)
}
