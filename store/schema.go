package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schemaVersion is recorded in PRAGMA user_version after a successful migration.
const schemaVersion = 3

type column struct {
	name string
	ddl  string
}

type table struct {
	name string
	// base columns existed in the very first layout
	base []column
	// added columns were introduced later; each needs a constant default so ALTER TABLE can add it
	added   []column
	indexes []string
}

var tables = []table{
	{
		name: "packets",
		base: []column{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{"uuid", "TEXT NOT NULL UNIQUE"},
			{"received_at", "INTEGER NOT NULL"},
			{"stored_at", "INTEGER NOT NULL"},
			{"from_id", "TEXT NOT NULL"},
			{"to_id", "TEXT NOT NULL"},
			{"packet_type", "TEXT NOT NULL"},
			{"packet_id", "INTEGER NOT NULL DEFAULT 0"},
			{"payload", "BLOB"},
		},
		added: []column{
			{"network_source", "TEXT NOT NULL DEFAULT 'unknown'"},
			{"channel", "INTEGER NOT NULL DEFAULT 0"},
			{"text", "TEXT NOT NULL DEFAULT ''"},
			{"hop_count", "INTEGER NOT NULL DEFAULT 0"},
			{"snr", "REAL NOT NULL DEFAULT 0"},
			{"rssi", "INTEGER NOT NULL DEFAULT 0"},
			{"sent_at", "INTEGER"},
			{"is_broadcast", "INTEGER NOT NULL DEFAULT 0"},
			{"is_self", "INTEGER NOT NULL DEFAULT 0"},
			{"dedup_key", "TEXT NOT NULL DEFAULT ''"},
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_packets_received ON packets(received_at)",
			"CREATE INDEX IF NOT EXISTS idx_packets_from ON packets(from_id, received_at)",
			"CREATE INDEX IF NOT EXISTS idx_packets_source ON packets(network_source, received_at)",
		},
	},
	{
		name: "nodes",
		base: []column{
			{"node_id", "TEXT PRIMARY KEY"},
			{"display_name", "TEXT NOT NULL DEFAULT ''"},
			{"last_seen", "INTEGER NOT NULL"},
		},
		added: []column{
			{"network_source", "TEXT NOT NULL DEFAULT 'unknown'"},
			{"hardware_model", "TEXT NOT NULL DEFAULT ''"},
			{"public_key", "BLOB"},
			{"latitude", "REAL"},
			{"longitude", "REAL"},
			{"altitude", "INTEGER"},
			{"learned_via", "TEXT NOT NULL DEFAULT 'RADIO'"},
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen)",
		},
	},
}

// createStatement builds the full current layout of t, so a new store never depends on migrate.
func (t table) createStatement() string {
	cols := make([]string, 0, len(t.base)+len(t.added))
	for _, c := range append(append([]column{}, t.base...), t.added...) {
		cols = append(cols, c.name+" "+c.ddl)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.name, strings.Join(cols, ",\n\t"))
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	return n > 0, err
}

func tableColumns(ctx context.Context, db *sql.DB, name string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			colName string
			typ     string
			notNull int
			def     sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &typ, &notNull, &def, &pk); err != nil {
			return nil, err
		}
		cols[colName] = true
	}
	return cols, rows.Err()
}

// migrate creates missing tables with the full layout and adds missing columns to tables created
// by older versions. It never drops or rewrites anything.
func migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	var applied []string
	for _, t := range tables {
		exists, err := tableExists(ctx, db, t.name)
		if err != nil {
			return applied, err
		}
		if !exists {
			if _, err := db.ExecContext(ctx, t.createStatement()); err != nil {
				return applied, fmt.Errorf("create %s: %w", t.name, err)
			}
		} else {
			have, err := tableColumns(ctx, db, t.name)
			if err != nil {
				return applied, fmt.Errorf("inspect %s: %w", t.name, err)
			}
			for _, c := range t.added {
				if have[c.name] {
					continue
				}
				stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", t.name, c.name, c.ddl)
				if _, err := db.ExecContext(ctx, stmt); err != nil {
					return applied, fmt.Errorf("migrate %s.%s: %w", t.name, c.name, err)
				}
				applied = append(applied, t.name+"."+c.name)
			}
		}
		for _, idx := range t.indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return applied, err
			}
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return applied, err
	}
	return applied, nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}
