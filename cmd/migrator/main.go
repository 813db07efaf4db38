package main

import (
	"log"
	"os"
	"time"

	"github.com/lalithlochan/renewd/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	m, err := db.NewMigrator(databaseURL)
	if err != nil {
		log.Fatalf("create migrator: %v", err)
	}
	defer m.Close()

	before, dirty, _ := m.Version()
	if dirty {
		log.Fatalf("database is dirty at version %d, fix it by hand before migrating", before)
	}

	start := time.Now()
	if err := db.RunMigrations(databaseURL); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	after, _, err := m.Version()
	if err != nil {
		log.Fatalf("read schema version: %v", err)
	}
	log.Printf("migrations complete (version %d -> %d) in %s", before, after, time.Since(start).Round(time.Millisecond))
}
