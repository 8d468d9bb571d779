// Command worldctl is a two-verb operational tool for a World deployment:
// migrate applies the fixed schema, health prints the aggregated health
// payload. Flag parsing uses the standard flag package; none of the
// ecosystem's heavier CLI frameworks are worth pulling in for two verbs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dshills/world/db"
	"github.com/dshills/world/world"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "migrate":
		runMigrate(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: worldctl <migrate|health> [flags]")
}

func flagSet(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	url := fs.String("url", os.Getenv("WORKFLOW_SQL_URL"), "database connection string (overrides WORKFLOW_SQL_URL)")
	backend := fs.String("backend", os.Getenv("WORKFLOW_SQL_DATABASE_TYPE"), "postgres, mysql, or sqlite (overrides WORKFLOW_SQL_DATABASE_TYPE, auto-detected from -url if empty)")
	return fs, url, backend
}

func runMigrate(args []string) {
	fs, url, backend := flagSet("migrate")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("worldctl migrate: %v", err)
	}

	cfg := world.Config{DatabaseURL: *url, DatabaseType: db.Backend(*backend)}
	w, err := world.New(cfg)
	if err != nil {
		log.Fatalf("worldctl migrate: building world: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		log.Fatalf("worldctl migrate: %v", err)
	}
	defer w.Stop(context.Background())

	fmt.Println("migration complete")
}

func runHealth(args []string) {
	fs, url, backend := flagSet("health")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("worldctl health: %v", err)
	}

	cfg := world.Config{DatabaseURL: *url, DatabaseType: db.Backend(*backend)}
	w, err := world.New(cfg)
	if err != nil {
		log.Fatalf("worldctl health: building world: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		log.Fatalf("worldctl health: %v", err)
	}
	defer w.Stop(context.Background())

	h := w.Health(ctx)
	out, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		log.Fatalf("worldctl health: %v", err)
	}
	fmt.Println(string(out))

	if !h.Healthy {
		os.Exit(1)
	}
}
