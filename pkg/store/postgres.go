package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streambridge/pkg/bus"
	"streambridge/pkg/config"
)

const pingTimeout = 3 * time.Second

// Postgres stores turns in {schema}.chat_turns.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects, verifies connectivity and ensures the turns table exists.
func OpenPostgres(ctx context.Context, cfg config.StoreConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("store.database_url is required")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewPostgres(pool, cfg.Schema)
	if err := store.migrate(ctx, cfg.Schema); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgres wraps an existing pool. Schema defaults to public.
func NewPostgres(pool *pgxpool.Pool, schema string) *Postgres {
	return &Postgres{pool: pool, table: turnsTable(schema)}
}

func turnsTable(schema string) string {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	return pgIdent(schema, "chat_turns")
}

func (p *Postgres) migrate(ctx context.Context, schema string) error {
	schema = strings.TrimSpace(schema)
	if schema != "" && schema != "public" {
		if _, err := p.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+p.table+` (
			id         BIGSERIAL PRIMARY KEY,
			chat_id    BIGINT NOT NULL,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create turns table: %w", err)
	}

	_, err = p.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS chat_turns_chat_id_idx ON `+p.table+` (chat_id, id)`)
	if err != nil {
		return fmt.Errorf("create turns index: %w", err)
	}

	return nil
}

func (p *Postgres) Append(ctx context.Context, chatID bus.ChatID, turn Turn) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO `+p.table+` (chat_id, role, text, created_at)
		VALUES ($1, $2, $3, $4)
	`, int64(chatID), string(turn.Role), turn.Text, createdAt)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	return nil
}

func (p *Postgres) Recent(ctx context.Context, chatID bus.ChatID, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT role, text, created_at FROM (
			SELECT id, role, text, created_at
			FROM `+p.table+`
			WHERE chat_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`, int64(chatID), limit)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			turn Turn
			role string
		)
		if err := rows.Scan(&role, &turn.Text, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = Role(role)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	return turns, nil
}

func (p *Postgres) Clear(ctx context.Context, chatID bus.ChatID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE chat_id = $1`, int64(chatID)); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}
