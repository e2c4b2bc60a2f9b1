package main

import (
	"flag"
	"log"
	"os"

	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/storage"
)

var (
	dbPath         = flag.String("db", "", "Path of the engine database (default $ENGINE_STORE_DSN or engine.db)")
	dryRun         = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath     = flag.String("backup", "", "Path to back up the database before migration (default <db>.backup)")
	reseedPolicies = flag.Bool("reseed-policies", false, "Overwrite the timeout policy matrix with built-in defaults even when the schema is current")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Engine Store Migration Tool")
	log.Println("===========================")

	path := *dbPath
	if path == "" {
		path = os.Getenv("ENGINE_STORE_DSN")
	}
	if path == "" {
		path = "engine.db"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", path)
	}

	log.Printf("Database: %s", path)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = path + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(path, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	store, err := storage.NewBoltStore(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	if err := migrate(store, *dryRun, *reseedPolicies); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("Dry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("✓ Migration completed successfully!")
	}
}

func migrate(store *storage.BoltStore, dryRun, reseed bool) error {
	v, err := store.SchemaVersion()
	if err != nil {
		return err
	}
	log.Printf("Schema version: v%d (this tool writes v%d)", v, storage.SchemaVersionCurrent)

	switch {
	case v > storage.SchemaVersionCurrent:
		log.Fatalf("Schema v%d is newer than this tool; upgrade engine-migrate", v)

	case v == storage.SchemaVersionCurrent:
		log.Println("✓ Schema is already current")
		if !reseed {
			return nil
		}
		if dryRun {
			log.Printf("[DRY RUN] Would overwrite %d timeout policy rows with built-in defaults", len(policy.All()))
			return nil
		}
		log.Println("Reseeding timeout policy matrix...")
		if err := store.SeedTimeoutPolicies(policy.All()); err != nil {
			return err
		}
		log.Printf("✓ Seeded %d timeout policy rows", len(policy.All()))
		return nil

	default:
		// v0 stores predate versioning: buckets exist from open, but the
		// policy matrix and the version marker are missing.
		if dryRun {
			log.Println("[DRY RUN] Would perform the following operations:")
			log.Printf("1. Seed %d timeout policy rows", len(policy.All()))
			log.Printf("2. Set schema version to v%d", storage.SchemaVersionCurrent)
			return nil
		}
		log.Println("Seeding timeout policy matrix...")
		if err := store.SeedTimeoutPolicies(policy.All()); err != nil {
			return err
		}
		log.Printf("✓ Seeded %d timeout policy rows", len(policy.All()))
		if err := store.SetSchemaVersion(storage.SchemaVersionCurrent); err != nil {
			return err
		}
		log.Printf("✓ Schema version set to v%d", storage.SchemaVersionCurrent)
		return nil
	}
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
