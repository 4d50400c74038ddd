package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapshotStore persists exported discovery stores to PostgreSQL. The
// engine runs fully without it; callers treat a nil store as "snapshots
// disabled".
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*SnapshotStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("[SnapshotDB] Connected to PostgreSQL")
	return &SnapshotStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *SnapshotStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the snapshots table
func (s *SnapshotStore) InitSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS discovery_snapshots (
			id         BIGSERIAL PRIMARY KEY,
			network    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			data       JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_network
			ON discovery_snapshots (network, created_at DESC);
	`
	if _, err := s.pool.Exec(context.Background(), schema); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("[SnapshotDB] Schema initialized")
	return nil
}

// Save stores an exported snapshot and returns its id.
func (s *SnapshotStore) Save(ctx context.Context, network string, data []byte) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO discovery_snapshots (network, data) VALUES ($1, $2) RETURNING id`,
		network, data,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert snapshot: %v", err)
	}
	return id, nil
}

// Load returns the snapshot body by id.
func (s *SnapshotStore) Load(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM discovery_snapshots WHERE id = $1`, id,
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %v", id, err)
	}
	return data, nil
}

// SnapshotInfo describes a stored snapshot.
type SnapshotInfo struct {
	ID        int64     `json:"id"`
	Network   string    `json:"network"`
	CreatedAt time.Time `json:"createdAt"`
	Bytes     int64     `json:"bytes"`
}

// List returns snapshot metadata for a network, newest first.
func (s *SnapshotStore) List(ctx context.Context, network string) ([]SnapshotInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, network, created_at, octet_length(data::text)
		 FROM discovery_snapshots WHERE network = $1
		 ORDER BY created_at DESC LIMIT 100`, network)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %v", err)
	}
	defer rows.Close()

	var list []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.ID, &info.Network, &info.CreatedAt, &info.Bytes); err != nil {
			return nil, err
		}
		list = append(list, info)
	}
	return list, rows.Err()
}
