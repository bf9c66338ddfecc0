package meet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Naveenravi07/Avara/internal/models"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure the meetings table exists prior to invoking this constructor.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool}, nil
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func (r *postgresRepository) Create(ctx context.Context, creatorID string) (models.Meeting, error) {
	meeting := models.Meeting{
		ID:        uuid.NewString(),
		CreatorID: creatorID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO meetings (id, creator_id, created_at) VALUES ($1, $2, $3)`,
		meeting.ID, meeting.CreatorID, meeting.CreatedAt)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("insert meeting: %w", err)
	}
	return meeting, nil
}

func (r *postgresRepository) Get(ctx context.Context, id string) (models.Meeting, bool, error) {
	var meeting models.Meeting
	err := r.pool.QueryRow(ctx,
		`SELECT id, creator_id, created_at FROM meetings WHERE id = $1`,
		id).Scan(&meeting.ID, &meeting.CreatorID, &meeting.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Meeting{}, false, nil
	}
	if err != nil {
		return models.Meeting{}, false, fmt.Errorf("select meeting: %w", err)
	}
	return meeting, true, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
