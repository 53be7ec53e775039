package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/akriventsev/sagaflow/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	dbURL := flag.String("database-url", "", "PostgreSQL connection string")
	migrationsDir := flag.String("migrations-dir", "", "Path to migrations directory (default: embedded set)")
	_ = flag.CommandLine.Parse(os.Args[2:])

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --database-url is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch command {
	case "up":
		runUp(db, *migrationsDir)
	case "down":
		runDown(db, *migrationsDir)
	case "status":
		runStatus(db, *migrationsDir)
	case "version":
		runVersion(db)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Sagaflow Migration Tool")
	fmt.Println()
	fmt.Println("Usage: sagaflow-migrate <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up      - Apply all pending migrations")
	fmt.Println("  down    - Rollback the last migration")
	fmt.Println("  status  - Show status of all migrations")
	fmt.Println("  version - Show current schema version")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --database-url   - PostgreSQL connection string (required)")
	fmt.Println("  --migrations-dir - Path to migrations directory (default: embedded set)")
}

func runUp(db *sql.DB, dir string) {
	var err error
	if dir == "" {
		err = migrations.RunEmbedded(db)
	} else {
		err = migrations.Run(db, dir)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error applying migrations: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Migrations applied")
}

func runDown(db *sql.DB, dir string) {
	if dir == "" {
		fmt.Fprintln(os.Stderr, "Error: down requires --migrations-dir")
		os.Exit(1)
	}
	if err := migrations.Rollback(db, dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error rolling back migration: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Migration rolled back")
}

func runStatus(db *sql.DB, dir string) {
	if dir == "" {
		fmt.Fprintln(os.Stderr, "Error: status requires --migrations-dir")
		os.Exit(1)
	}
	statuses, err := migrations.Status(db, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
		os.Exit(1)
	}
	for _, status := range statuses {
		fmt.Printf("  [%s] %d - %s\n", status.Status, status.Version, status.Name)
	}
}

func runVersion(db *sql.DB) {
	version, err := migrations.CurrentVersion(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading version: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Current schema version: %d\n", version)
}
