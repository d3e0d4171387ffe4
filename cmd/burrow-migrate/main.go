package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/burrow", "Burrow data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/burrow.db.backup)")
	verbose    = flag.Bool("v", false, "Log every migrated record")
)

func main() {
	flag.Parse()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})
	logger := log.WithComponent("migrate")

	dbPath := filepath.Join(*dataDir, storage.DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		logger.Fatal().Str("path", dbPath).Msg("Database not found")
	}
	logger.Info().Str("path", dbPath).Bool("dry_run", *dryRun).Msg("Migrating burrow database")

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backupFile); err != nil {
			logger.Fatal().Err(err).Msg("Failed to create backup")
		}
		logger.Info().Str("path", backupFile).Msg("Backup created")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	stats, err := migrate(db, *dryRun)
	if err != nil {
		logger.Fatal().Err(err).Msg("Migration failed")
	}

	ev := logger.Info().
		Int("clusters", stats.Clusters).
		Int("nodes", stats.Nodes).
		Int("names", stats.Names).
		Int("skipped", stats.Skipped)
	if *dryRun {
		ev.Msg("Dry run completed, no changes made")
		return
	}
	ev.Msg("Migration completed")
}

// Stats counts the records a migration touched
type Stats struct {
	Clusters int
	Nodes    int
	Names    int
	Skipped  int
}

// migrate brings records written by older releases up to the current
// schema. Records are handled as raw JSON so fields unknown to this tool
// survive untouched.
//
//   - clusters: resource_version starts at 1, replica_container_ids is never null
//   - nodes: read_only mirrors role == REPLICA
//   - cluster_names: every cluster has an owner/name index entry
func migrate(db *bolt.DB, dryRun bool) (Stats, error) {
	var stats Stats
	var pending []put
	logger := log.WithComponent("migrate")

	fn := func(tx *bolt.Tx) error {
		clusters := tx.Bucket([]byte("clusters"))
		if clusters == nil {
			return fmt.Errorf("no clusters bucket, not a burrow database")
		}
		names, err := bucket(tx, "cluster_names", dryRun)
		if err != nil {
			return err
		}

		err = clusters.ForEach(func(k, v []byte) error {
			var rec map[string]any
			if err := json.Unmarshal(v, &rec); err != nil {
				logger.Warn().Str("key", string(k)).Err(err).Msg("Skipping invalid cluster record")
				stats.Skipped++
				return nil
			}

			changed := false
			if rv, _ := rec["resource_version"].(float64); rv < 1 {
				rec["resource_version"] = 1
				changed = true
			}
			if rec["replica_container_ids"] == nil {
				rec["replica_container_ids"] = []string{}
				changed = true
			}

			owner, _ := rec["owner_id"].(string)
			name, _ := rec["name"].(string)
			nameKey := []byte(owner + "/" + name)
			if name != "" && (names == nil || names.Get(nameKey) == nil) {
				stats.Names++
				logger.Debug().Str("cluster", string(k)).Str("name", string(nameKey)).Msg("Indexing cluster name")
				if !dryRun {
					pending = append(pending, put{names, nameKey, k})
				}
			}

			if !changed {
				return nil
			}
			stats.Clusters++
			logger.Debug().Str("cluster", string(k)).Msg("Backfilling cluster")
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pending = append(pending, put{clusters, k, data})
			return nil
		})
		if err != nil {
			return err
		}

		if nodes := tx.Bucket([]byte("nodes")); nodes != nil {
			err = nodes.ForEach(func(k, v []byte) error {
				var rec map[string]any
				if err := json.Unmarshal(v, &rec); err != nil {
					logger.Warn().Str("key", string(k)).Err(err).Msg("Skipping invalid node record")
					stats.Skipped++
					return nil
				}

				want := rec["role"] == "REPLICA"
				if got, ok := rec["read_only"].(bool); ok && got == want {
					return nil
				}
				rec["read_only"] = want
				stats.Nodes++
				logger.Debug().Str("node", string(k)).Bool("read_only", want).Msg("Backfilling node")
				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				pending = append(pending, put{nodes, k, data})
				return nil
			})
			if err != nil {
				return err
			}
		}

		if dryRun {
			return nil
		}
		// buckets must not be written while iterating them
		for _, p := range pending {
			if err := p.bucket.Put(p.key, p.value); err != nil {
				return fmt.Errorf("failed to write %s: %w", p.key, err)
			}
		}
		return nil
	}

	if dryRun {
		return stats, db.View(fn)
	}
	return stats, db.Update(fn)
}

type put struct {
	bucket     *bolt.Bucket
	key, value []byte
}

// bucket returns the named bucket, creating it unless dryRun is set. In a
// dry run a missing bucket comes back nil.
func bucket(tx *bolt.Tx, name string, dryRun bool) (*bolt.Bucket, error) {
	if dryRun {
		return tx.Bucket([]byte(name)), nil
	}
	return tx.CreateBucketIfNotExists([]byte(name))
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
