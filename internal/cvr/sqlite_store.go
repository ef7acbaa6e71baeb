package cvr

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"

	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore is the default CVR Store: a single SQLite file holding every
// client-group's CVR, mirroring the connection-setup and UPSERT-for-
// idempotency discipline of the teacher's single-table alert store, here
// generalized to the CVR's four tables and a full-snapshot replace per
// commit rather than per-field UPSERTs (a CVR is small and always
// rewritten wholesale on flush, per spec §4.4).
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex // guards connection lifecycle, not data — sqlite serializes writers itself
}

// NewSQLiteStore opens (creating if absent) the CVR database at path and
// applies pending goose migrations.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("cvr: sqlite path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("cvr: invalid path contains '..': %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("cvr: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cvr: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cvr: ping sqlite: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cvr: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cvr: apply migrations: %w", err)
	}

	logger.Info("cvr sqlite store initialized", "path", path)
	return &SQLiteStore{db: db, logger: logger, path: path}, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Load returns the persisted CVR for clientGroupID, or a fresh empty CVR
// if none has ever been written, per spec §4.4.
func (s *SQLiteStore) Load(ctx context.Context, clientGroupID string) (*CVR, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cvr := NewCVR(clientGroupID)

	var major, minor sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT version_major, version_minor FROM cvr_meta WHERE client_group_id = ?`, clientGroupID,
	).Scan(&major, &minor)
	switch {
	case err == sql.ErrNoRows:
		return cvr, nil
	case err != nil:
		return nil, fmt.Errorf("cvr: load meta: %w", err)
	}
	cvr.Version = Version{Major: major.Int64, Minor: minor.Int64}

	clientRows, err := s.db.QueryContext(ctx,
		`SELECT client_id, desired_queries, ttl_expires_at, last_mutation_id FROM cvr_clients WHERE client_group_id = ?`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("cvr: load clients: %w", err)
	}
	defer clientRows.Close()
	for clientRows.Next() {
		var clientID, desiredJSON string
		var ttlExpires sql.NullInt64
		var lmid int64
		if err := clientRows.Scan(&clientID, &desiredJSON, &ttlExpires, &lmid); err != nil {
			return nil, fmt.Errorf("cvr: scan client row: %w", err)
		}
		var desired []string
		if err := json.Unmarshal([]byte(desiredJSON), &desired); err != nil {
			return nil, fmt.Errorf("cvr: decode desired_queries: %w", err)
		}
		client := &Client{ClientID: clientID, DesiredQueries: map[string]bool{}, LastMutationID: lmid}
		for _, qh := range desired {
			client.DesiredQueries[qh] = true
		}
		if ttlExpires.Valid {
			client.TTLExpiresAt = time.Unix(ttlExpires.Int64, 0)
		}
		cvr.Clients[clientID] = client
	}
	if err := clientRows.Err(); err != nil {
		return nil, err
	}

	queryRows, err := s.db.QueryContext(ctx,
		`SELECT query_hash, transformation_hash, gotten, ttl_expires_at, internal_ref_count FROM cvr_queries WHERE client_group_id = ?`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("cvr: load queries: %w", err)
	}
	defer queryRows.Close()
	for queryRows.Next() {
		var queryHash, transformationHash string
		var gotten int
		var ttlExpires sql.NullInt64
		var refCount int
		if err := queryRows.Scan(&queryHash, &transformationHash, &gotten, &ttlExpires, &refCount); err != nil {
			return nil, fmt.Errorf("cvr: scan query row: %w", err)
		}
		q := &Query{QueryHash: queryHash, TransformationHash: transformationHash, Gotten: gotten != 0, InternalRefCount: refCount}
		if ttlExpires.Valid {
			q.TTLExpiresAt = time.Unix(ttlExpires.Int64, 0)
		}
		cvr.Queries[queryHash] = q
	}
	if err := queryRows.Err(); err != nil {
		return nil, err
	}

	rowRows, err := s.db.QueryContext(ctx,
		`SELECT table_name, pk, ref_counts, columns_present, row_version FROM cvr_rows WHERE client_group_id = ?`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("cvr: load rows: %w", err)
	}
	defer rowRows.Close()
	for rowRows.Next() {
		var table, pk, refCountsJSON, columnsJSON string
		var rowVersion int64
		if err := rowRows.Scan(&table, &pk, &refCountsJSON, &columnsJSON, &rowVersion); err != nil {
			return nil, fmt.Errorf("cvr: scan row entry: %w", err)
		}
		var refCounts map[string]int
		if err := json.Unmarshal([]byte(refCountsJSON), &refCounts); err != nil {
			return nil, fmt.Errorf("cvr: decode ref_counts: %w", err)
		}
		var columns []string
		if err := json.Unmarshal([]byte(columnsJSON), &columns); err != nil {
			return nil, fmt.Errorf("cvr: decode columns_present: %w", err)
		}
		key := RowKey{Table: table, PK: pk}
		row := &Row{Key: key, RefCountsByQuery: refCounts, ColumnsPresent: map[string]bool{}, RowVersion: rowVersion}
		for _, c := range columns {
			row.ColumnsPresent[c] = true
		}
		cvr.Rows[key] = row
	}
	return cvr, rowRows.Err()
}

// CommitUpdater writes pending wholesale in one transaction, guarded by an
// optimistic check against base's version, per spec §4.4.
func (s *SQLiteStore) CommitUpdater(ctx context.Context, base, pending *CVR) (*CVR, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cvr: begin commit: %w", err)
	}
	defer tx.Rollback()

	var major, minor sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT version_major, version_minor FROM cvr_meta WHERE client_group_id = ?`, base.ClientGroupID,
	).Scan(&major, &minor)

	var persisted Version
	switch {
	case err == sql.ErrNoRows:
		persisted = Version{}
	case err != nil:
		return nil, fmt.Errorf("cvr: read version for conflict check: %w", err)
	default:
		persisted = Version{Major: major.Int64, Minor: minor.Int64}
	}

	if persisted != base.Version {
		return nil, &CVRConflict{ClientGroupID: base.ClientGroupID, Expected: base.Version, Actual: persisted}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cvr_meta (client_group_id, version_major, version_minor) VALUES (?, ?, ?)
		 ON CONFLICT(client_group_id) DO UPDATE SET version_major = excluded.version_major, version_minor = excluded.version_minor`,
		pending.ClientGroupID, pending.Version.Major, pending.Version.Minor,
	); err != nil {
		return nil, fmt.Errorf("cvr: upsert meta: %w", err)
	}

	for _, stmt := range []string{
		`DELETE FROM cvr_clients WHERE client_group_id = ?`,
		`DELETE FROM cvr_queries WHERE client_group_id = ?`,
		`DELETE FROM cvr_rows WHERE client_group_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, pending.ClientGroupID); err != nil {
			return nil, fmt.Errorf("cvr: clear prior state: %w", err)
		}
	}

	for _, client := range pending.Clients {
		desired := make([]string, 0, len(client.DesiredQueries))
		for qh := range client.DesiredQueries {
			desired = append(desired, qh)
		}
		desiredJSON, err := json.Marshal(desired)
		if err != nil {
			return nil, err
		}
		var ttlExpires any
		if !client.TTLExpiresAt.IsZero() {
			ttlExpires = client.TTLExpiresAt.Unix()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cvr_clients (client_group_id, client_id, desired_queries, ttl_expires_at, last_mutation_id)
			 VALUES (?, ?, ?, ?, ?)`,
			pending.ClientGroupID, client.ClientID, string(desiredJSON), ttlExpires, client.LastMutationID,
		); err != nil {
			return nil, fmt.Errorf("cvr: insert client: %w", err)
		}
	}

	for _, q := range pending.Queries {
		var ttlExpires any
		if !q.TTLExpiresAt.IsZero() {
			ttlExpires = q.TTLExpiresAt.Unix()
		}
		gotten := 0
		if q.Gotten {
			gotten = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cvr_queries (client_group_id, query_hash, transformation_hash, gotten, ttl_expires_at, internal_ref_count)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			pending.ClientGroupID, q.QueryHash, q.TransformationHash, gotten, ttlExpires, q.InternalRefCount,
		); err != nil {
			return nil, fmt.Errorf("cvr: insert query: %w", err)
		}
	}

	for _, row := range pending.Rows {
		refCountsJSON, err := json.Marshal(row.RefCountsByQuery)
		if err != nil {
			return nil, err
		}
		columns := make([]string, 0, len(row.ColumnsPresent))
		for c := range row.ColumnsPresent {
			columns = append(columns, c)
		}
		columnsJSON, err := json.Marshal(columns)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cvr_rows (client_group_id, table_name, pk, ref_counts, columns_present, row_version)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			pending.ClientGroupID, row.Key.Table, row.Key.PK, string(refCountsJSON), string(columnsJSON), row.RowVersion,
		); err != nil {
			return nil, fmt.Errorf("cvr: insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cvr: commit: %w", err)
	}

	s.logger.Debug("cvr flushed", "client_group_id", pending.ClientGroupID, "version", pending.Version)
	return pending.Clone(), nil
}

// InspectQueries returns a diagnostic view of every query entry for
// clientGroupID, joined with clock's live TTL state where tracked, per
// spec §4.4/§4.6.
func (s *SQLiteStore) InspectQueries(ctx context.Context, clock ttl.Clock, clientGroupID, clientID string) ([]QueryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var desired map[string]bool
	if clientID != "" {
		var desiredJSON string
		err := s.db.QueryRowContext(ctx,
			`SELECT desired_queries FROM cvr_clients WHERE client_group_id = ? AND client_id = ?`,
			clientGroupID, clientID,
		).Scan(&desiredJSON)
		if err == nil {
			var list []string
			if err := json.Unmarshal([]byte(desiredJSON), &list); err != nil {
				return nil, err
			}
			desired = make(map[string]bool, len(list))
			for _, qh := range list {
				desired[qh] = true
			}
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("cvr: load client desired set: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT query_hash, transformation_hash, gotten, ttl_expires_at, internal_ref_count
		 FROM cvr_queries WHERE client_group_id = ? ORDER BY query_hash`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("cvr: inspect queries: %w", err)
	}
	defer rows.Close()

	var out []QueryRow
	for rows.Next() {
		var queryHash, transformationHash string
		var gotten int
		var persistedTTL sql.NullInt64
		var refCount int
		if err := rows.Scan(&queryHash, &transformationHash, &gotten, &persistedTTL, &refCount); err != nil {
			return nil, err
		}

		qr := QueryRow{
			QueryHash:          queryHash,
			TransformationHash: transformationHash,
			Gotten:             gotten != 0,
			InternalRefCount:   refCount,
		}
		if desired != nil {
			qr.DesiredByClient = desired[queryHash]
		}

		if clock != nil {
			if deadline, ok, err := clock.ExpiresAt(ctx, queryHash); err == nil && ok {
				t := time.Unix(deadline, 0)
				qr.TTLExpiresAt = &t
			}
		}
		if qr.TTLExpiresAt == nil && persistedTTL.Valid {
			t := time.Unix(persistedTTL.Int64, 0)
			qr.TTLExpiresAt = &t
		}

		out = append(out, qr)
	}
	return out, rows.Err()
}
