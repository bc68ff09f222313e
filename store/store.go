// Package store is the durable traffic history: every dispatched packet and the node catalog, on
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/meshbridge/state"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const unknownSource = "unknown"

type Store struct {
	db  *sql.DB
	clk clock.Clock
	log *slog.Logger
}

// Open opens or creates the store at path and brings its schema up to date.
func Open(ctx context.Context, path string, clk clock.Clock, log *slog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &state.StoreError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	applied, err := migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, &state.StoreError{Op: "migrate", Err: err}
	}
	if len(applied) > 0 {
		log.Info("migrated traffic store", "path", path, "columns", applied)
	}
	return &Store{db: db, clk: clk, log: log}, nil
}

// OpenReadOnly opens an existing store for reading. The file is never created and the schema is
// left as it is, so a query cannot race a running bridge's migration.
func OpenReadOnly(ctx context.Context, path string, clk clock.Clock, log *slog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &state.StoreError{Op: "open", Err: err}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, &state.StoreError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &state.StoreError{Op: "open", Err: err}
	}
	return &Store{db: db, clk: clk, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Save writes one packet synchronously. The hot path goes through Writer instead.
func (s *Store) Save(ctx context.Context, pkt state.DecodedPacket) (state.PersistedPacket, error) {
	if pkt.Source == "" {
		return state.PersistedPacket{}, &state.StoreError{Op: "save", Err: errors.New("packet has no network source")}
	}
	p := state.PersistedPacket{
		DecodedPacket: pkt,
		Uuid:          uuid.NewString(),
		StoredAt:      s.clk.Now(),
	}
	var sent sql.NullInt64
	if !pkt.SentAt.IsZero() {
		sent = sql.NullInt64{Int64: pkt.SentAt.UnixNano(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO packets (uuid, received_at, stored_at, from_id, to_id, packet_type, packet_id, payload,
			network_source, channel, text, hop_count, snr, rssi, sent_at, is_broadcast, is_self, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Uuid, nanos(pkt.Received), nanos(p.StoredAt), string(pkt.From), string(pkt.To), string(pkt.Type),
		int64(pkt.PacketId), pkt.Payload, string(pkt.Source), int64(pkt.Channel), pkt.Text, pkt.HopCount,
		float64(pkt.SNR), int64(pkt.RSSI), sent, boolInt(pkt.IsBroadcast), boolInt(pkt.IsSelfOriginated), pkt.DedupKey,
	)
	if err != nil {
		return state.PersistedPacket{}, &state.StoreError{Op: "save", Err: err}
	}
	p.RowId, err = res.LastInsertId()
	if err != nil {
		return state.PersistedPacket{}, &state.StoreError{Op: "save", Err: err}
	}
	return p, nil
}

// Filter selects packets; zero fields match everything.
type Filter struct {
	Since  time.Time
	Until  time.Time
	Node   state.NodeId // sender or destination
	Type   state.PacketType
	Source state.BackendId
	Limit  int
}

const defaultLimit = 100

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if !f.Since.IsZero() {
		conds = append(conds, "received_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "received_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Node != "" {
		conds = append(conds, "(from_id = ? OR to_id = ?)")
		args = append(args, string(f.Node), string(f.Node))
	}
	if f.Type != "" {
		conds = append(conds, "packet_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Source != "" {
		conds = append(conds, "network_source = ?")
		args = append(args, string(f.Source))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching packets, oldest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]state.PersistedPacket, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, received_at, stored_at, from_id, to_id, packet_type, packet_id, payload,
			network_source, channel, text, hop_count, snr, rssi, sent_at, is_broadcast, is_self, dedup_key
		FROM packets`+where+` ORDER BY received_at, id LIMIT ?`, args...)
	if err != nil {
		return nil, &state.StoreError{Op: "query", Err: err}
	}
	defer rows.Close()
	out := make([]state.PersistedPacket, 0)
	for rows.Next() {
		var (
			p                     state.PersistedPacket
			received, stored      int64
			from, to, typ, source string
			packetId, channel     int64
			snr                   float64
			rssi                  int64
			sent                  sql.NullInt64
			bcast, self           int
		)
		err := rows.Scan(&p.RowId, &p.Uuid, &received, &stored, &from, &to, &typ, &packetId, &p.Payload,
			&source, &channel, &p.Text, &p.HopCount, &snr, &rssi, &sent, &bcast, &self, &p.DedupKey)
		if err != nil {
			return nil, &state.StoreError{Op: "query", Err: err}
		}
		p.Received = fromNanos(received)
		p.StoredAt = fromNanos(stored)
		p.From = state.NodeId(from)
		p.To = state.NodeId(to)
		p.Type = state.PacketType(typ)
		p.PacketId = uint32(packetId)
		p.Source = state.BackendId(source)
		p.Channel = uint32(channel)
		p.SNR = float32(snr)
		p.RSSI = int32(rssi)
		if sent.Valid {
			p.SentAt = fromNanos(sent.Int64)
		}
		p.IsBroadcast = bcast != 0
		p.IsSelfOriginated = self != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &state.StoreError{Op: "query", Err: err}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM packets").Scan(&n); err != nil {
		return 0, &state.StoreError{Op: "count", Err: err}
	}
	return n, nil
}

// Cleanup deletes packets received, and nodes last seen, before the cutoff.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (packets int64, nodes int64, err error) {
	cutoff := before.UnixNano()
	res, err := s.db.ExecContext(ctx, "DELETE FROM packets WHERE received_at < ?", cutoff)
	if err != nil {
		return 0, 0, &state.StoreError{Op: "cleanup", Err: err}
	}
	packets, _ = res.RowsAffected()
	res, err = s.db.ExecContext(ctx, "DELETE FROM nodes WHERE last_seen < ?", cutoff)
	if err != nil {
		return packets, 0, &state.StoreError{Op: "cleanup", Err: err}
	}
	nodes, _ = res.RowsAffected()
	return packets, nodes, nil
}

// UpsertNodes persists catalog records. Known values, in particular public keys, are never replaced
// by empty ones.
func (s *Store) UpsertNodes(ctx context.Context, nodes []state.NodeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &state.StoreError{Op: "upsert nodes", Err: err}
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Error("failed to rollback transaction", "error", err)
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (node_id, display_name, last_seen, network_source, hardware_model, public_key,
			latitude, longitude, altitude, learned_via)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			display_name   = COALESCE(NULLIF(excluded.display_name, ''), nodes.display_name),
			last_seen      = MAX(nodes.last_seen, excluded.last_seen),
			network_source = excluded.network_source,
			hardware_model = COALESCE(NULLIF(excluded.hardware_model, ''), nodes.hardware_model),
			public_key     = COALESCE(excluded.public_key, nodes.public_key),
			latitude       = COALESCE(excluded.latitude, nodes.latitude),
			longitude      = COALESCE(excluded.longitude, nodes.longitude),
			altitude       = COALESCE(excluded.altitude, nodes.altitude),
			learned_via    = excluded.learned_via`)
	if err != nil {
		return &state.StoreError{Op: "upsert nodes", Err: err}
	}
	defer stmt.Close()
	for _, n := range nodes {
		source := string(n.Source)
		if source == "" {
			source = unknownSource
		}
		via := string(n.LearnedVia)
		if via == "" {
			via = string(state.LearnedRadio)
		}
		var key any
		if len(n.PublicKey) != 0 {
			key = n.PublicKey
		}
		var lat, lon, alt any
		if n.Position != nil {
			lat, lon, alt = n.Position.Latitude, n.Position.Longitude, int64(n.Position.Altitude)
		}
		_, err := stmt.ExecContext(ctx, string(n.NodeId), n.DisplayName, nanos(n.LastSeen), source,
			n.HardwareModel, key, lat, lon, alt, via)
		if err != nil {
			return &state.StoreError{Op: "upsert nodes", Err: fmt.Errorf("node %s: %w", n.NodeId, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &state.StoreError{Op: "upsert nodes", Err: err}
	}
	return nil
}

func (s *Store) Nodes(ctx context.Context) ([]state.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, display_name, last_seen, network_source, hardware_model, public_key,
			latitude, longitude, altitude, learned_via
		FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, &state.StoreError{Op: "nodes", Err: err}
	}
	defer rows.Close()
	out := make([]state.NodeRecord, 0)
	for rows.Next() {
		var (
			n            state.NodeRecord
			id, src, via string
			lastSeen     int64
			lat, lon     sql.NullFloat64
			alt          sql.NullInt64
		)
		if err := rows.Scan(&id, &n.DisplayName, &lastSeen, &src, &n.HardwareModel, &n.PublicKey,
			&lat, &lon, &alt, &via); err != nil {
			return nil, &state.StoreError{Op: "nodes", Err: err}
		}
		n.NodeId = state.NodeId(id)
		n.Source = state.BackendId(src)
		n.LearnedVia = state.LearnedVia(via)
		n.LastSeen = fromNanos(lastSeen)
		if lat.Valid && lon.Valid {
			n.Position = &state.Position{Latitude: lat.Float64, Longitude: lon.Float64, Altitude: int32(alt.Int64)}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, &state.StoreError{Op: "nodes", Err: err}
	}
	return out, nil
}

// Version is the schema version recorded in the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	return userVersion(ctx, s.db)
}
