// Package pgstore implements a Postgres-backed cvr.Store, the
// "postgres" deployment profile's alternative to the embedded
// cvr.SQLiteStore, for multi-instance deployments sharing CVR state
// through a single database.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vitaliisemenov/syncengine/internal/cvr"
	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is a cvr.Store backed by a shared Postgres database, mirroring
// cvr.SQLiteStore's table layout and commit-time optimistic-concurrency
// check but using pgxpool for queries and JSONB columns instead of
// TEXT-encoded JSON.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn, applies pending goose migrations (via the pgx
// stdlib driver, since goose operates on *sql.DB), and returns a ready
// Store backed by a pgxpool connection pool.
func Open(ctx context.Context, dsn string, maxConns, minConns int32, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	migDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open migration connection: %w", err)
	}
	defer migDB.Close()

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("pgstore: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, migDB, "migrations"); err != nil {
		return nil, fmt.Errorf("pgstore: apply migrations: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	logger.Info("cvr postgres store initialized")
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Load returns the persisted CVR for clientGroupID, or a fresh empty CVR
// if none has ever been written, per spec §4.4.
func (s *Store) Load(ctx context.Context, clientGroupID string) (*cvr.CVR, error) {
	out := cvr.NewCVR(clientGroupID)

	var major, minor int64
	err := s.pool.QueryRow(ctx,
		`SELECT version_major, version_minor FROM cvr_meta WHERE client_group_id = $1`, clientGroupID,
	).Scan(&major, &minor)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("pgstore: load meta: %w", err)
	}
	out.Version = cvr.Version{Major: major, Minor: minor}

	clientRows, err := s.pool.Query(ctx,
		`SELECT client_id, desired_queries, ttl_expires_at, last_mutation_id FROM cvr_clients WHERE client_group_id = $1`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load clients: %w", err)
	}
	for clientRows.Next() {
		var clientID string
		var desiredJSON []byte
		var ttlExpires *int64
		var lmid int64
		if err := clientRows.Scan(&clientID, &desiredJSON, &ttlExpires, &lmid); err != nil {
			clientRows.Close()
			return nil, fmt.Errorf("pgstore: scan client row: %w", err)
		}
		var desired []string
		if err := json.Unmarshal(desiredJSON, &desired); err != nil {
			clientRows.Close()
			return nil, fmt.Errorf("pgstore: decode desired_queries: %w", err)
		}
		client := &cvr.Client{ClientID: clientID, DesiredQueries: map[string]bool{}, LastMutationID: lmid}
		for _, qh := range desired {
			client.DesiredQueries[qh] = true
		}
		if ttlExpires != nil {
			client.TTLExpiresAt = time.Unix(*ttlExpires, 0)
		}
		out.Clients[clientID] = client
	}
	clientRows.Close()
	if err := clientRows.Err(); err != nil {
		return nil, err
	}

	queryRows, err := s.pool.Query(ctx,
		`SELECT query_hash, transformation_hash, gotten, ttl_expires_at, internal_ref_count
		 FROM cvr_queries WHERE client_group_id = $1`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load queries: %w", err)
	}
	for queryRows.Next() {
		var queryHash, transformationHash string
		var gotten bool
		var ttlExpires *int64
		var refCount int
		if err := queryRows.Scan(&queryHash, &transformationHash, &gotten, &ttlExpires, &refCount); err != nil {
			queryRows.Close()
			return nil, fmt.Errorf("pgstore: scan query row: %w", err)
		}
		q := &cvr.Query{QueryHash: queryHash, TransformationHash: transformationHash, Gotten: gotten, InternalRefCount: refCount}
		if ttlExpires != nil {
			q.TTLExpiresAt = time.Unix(*ttlExpires, 0)
		}
		out.Queries[queryHash] = q
	}
	queryRows.Close()
	if err := queryRows.Err(); err != nil {
		return nil, err
	}

	rowRows, err := s.pool.Query(ctx,
		`SELECT table_name, pk, ref_counts, columns_present, row_version FROM cvr_rows WHERE client_group_id = $1`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load rows: %w", err)
	}
	defer rowRows.Close()
	for rowRows.Next() {
		var table, pk string
		var refCountsJSON, columnsJSON []byte
		var rowVersion int64
		if err := rowRows.Scan(&table, &pk, &refCountsJSON, &columnsJSON, &rowVersion); err != nil {
			return nil, fmt.Errorf("pgstore: scan row entry: %w", err)
		}
		var refCounts map[string]int
		if err := json.Unmarshal(refCountsJSON, &refCounts); err != nil {
			return nil, fmt.Errorf("pgstore: decode ref_counts: %w", err)
		}
		var columns []string
		if err := json.Unmarshal(columnsJSON, &columns); err != nil {
			return nil, fmt.Errorf("pgstore: decode columns_present: %w", err)
		}
		key := cvr.RowKey{Table: table, PK: pk}
		row := &cvr.Row{Key: key, RefCountsByQuery: refCounts, ColumnsPresent: map[string]bool{}, RowVersion: rowVersion}
		for _, c := range columns {
			row.ColumnsPresent[c] = true
		}
		out.Rows[key] = row
	}
	return out, rowRows.Err()
}

// CommitUpdater writes pending wholesale in one transaction, guarded by an
// optimistic check against base's version, per spec §4.4.
func (s *Store) CommitUpdater(ctx context.Context, base, pending *cvr.CVR) (*cvr.CVR, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	var major, minor int64
	err = tx.QueryRow(ctx,
		`SELECT version_major, version_minor FROM cvr_meta WHERE client_group_id = $1`, base.ClientGroupID,
	).Scan(&major, &minor)

	var persisted cvr.Version
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pgstore: read version for conflict check: %w", err)
		}
	} else {
		persisted = cvr.Version{Major: major, Minor: minor}
	}

	if persisted != base.Version {
		return nil, &cvr.CVRConflict{ClientGroupID: base.ClientGroupID, Expected: base.Version, Actual: persisted}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO cvr_meta (client_group_id, version_major, version_minor) VALUES ($1, $2, $3)
		 ON CONFLICT (client_group_id) DO UPDATE SET version_major = excluded.version_major, version_minor = excluded.version_minor`,
		pending.ClientGroupID, pending.Version.Major, pending.Version.Minor,
	); err != nil {
		return nil, fmt.Errorf("pgstore: upsert meta: %w", err)
	}

	for _, stmt := range []string{
		`DELETE FROM cvr_clients WHERE client_group_id = $1`,
		`DELETE FROM cvr_queries WHERE client_group_id = $1`,
		`DELETE FROM cvr_rows WHERE client_group_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, pending.ClientGroupID); err != nil {
			return nil, fmt.Errorf("pgstore: clear prior state: %w", err)
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO cvr_clients (client_group_id, client_id, desired_queries, ttl_expires_at, last_mutation_id)
			 VALUES ($1, $2, $3, $4, $5)`,
			pending.ClientGroupID, client.ClientID, string(desiredJSON), ttlExpires, client.LastMutationID,
		); err != nil {
			return nil, fmt.Errorf("pgstore: insert client: %w", err)
		}
	}

	for _, q := range pending.Queries {
		var ttlExpires any
		if !q.TTLExpiresAt.IsZero() {
			ttlExpires = q.TTLExpiresAt.Unix()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO cvr_queries (client_group_id, query_hash, transformation_hash, gotten, ttl_expires_at, internal_ref_count)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			pending.ClientGroupID, q.QueryHash, q.TransformationHash, q.Gotten, ttlExpires, q.InternalRefCount,
		); err != nil {
			return nil, fmt.Errorf("pgstore: insert query: %w", err)
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO cvr_rows (client_group_id, table_name, pk, ref_counts, columns_present, row_version)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			pending.ClientGroupID, row.Key.Table, row.Key.PK, string(refCountsJSON), string(columnsJSON), row.RowVersion,
		); err != nil {
			return nil, fmt.Errorf("pgstore: insert row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: commit: %w", err)
	}

	s.logger.Debug("cvr flushed", "client_group_id", pending.ClientGroupID, "version", pending.Version)
	return pending.Clone(), nil
}

// InspectQueries returns a diagnostic view of every query entry for
// clientGroupID, joined with clock's live TTL state where tracked, per
// spec §4.4/§4.6.
func (s *Store) InspectQueries(ctx context.Context, clock ttl.Clock, clientGroupID, clientID string) ([]cvr.QueryRow, error) {
	var desired map[string]bool
	if clientID != "" {
		var desiredJSON []byte
		err := s.pool.QueryRow(ctx,
			`SELECT desired_queries FROM cvr_clients WHERE client_group_id = $1 AND client_id = $2`,
			clientGroupID, clientID,
		).Scan(&desiredJSON)
		if err == nil {
			var list []string
			if err := json.Unmarshal(desiredJSON, &list); err != nil {
				return nil, err
			}
			desired = make(map[string]bool, len(list))
			for _, qh := range list {
				desired[qh] = true
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pgstore: load client desired set: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT query_hash, transformation_hash, gotten, ttl_expires_at, internal_ref_count
		 FROM cvr_queries WHERE client_group_id = $1 ORDER BY query_hash`, clientGroupID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: inspect queries: %w", err)
	}
	defer rows.Close()

	var out []cvr.QueryRow
	for rows.Next() {
		var queryHash, transformationHash string
		var gotten bool
		var persistedTTL *int64
		var refCount int
		if err := rows.Scan(&queryHash, &transformationHash, &gotten, &persistedTTL, &refCount); err != nil {
			return nil, err
		}

		qr := cvr.QueryRow{
			QueryHash:          queryHash,
			TransformationHash: transformationHash,
			Gotten:             gotten,
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
		if qr.TTLExpiresAt == nil && persistedTTL != nil {
			t := time.Unix(*persistedTTL, 0)
			qr.TTLExpiresAt = &t
		}

		out = append(out, qr)
	}
	return out, rows.Err()
}

var _ cvr.Store = (*Store)(nil)
