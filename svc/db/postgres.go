package db

import (
	"context"
	"database/sql"
	"embed"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"pokebin/pkg/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPostgres(dsn string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	pingCtx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if err := runMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return newPostgres(db, queryTimeout), nil
}

func newPostgres(db *sql.DB, queryTimeout time.Duration) *Postgres {
	return &Postgres{db: db, queryTimeout: queryTimeout}
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (p *Postgres) Insert(ctx context.Context, blob []byte) (int64, error) {
	if err := p.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var id int64
	err := p.db.QueryRowContext(queryCtx, `INSERT INTO pastes_comp (data) VALUES ($1) RETURNING id`, blob).Scan(&id)
	p.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "db insert")
	}
	return id, nil
}

func (p *Postgres) Fetch(ctx context.Context, id int64) ([]byte, error) {
	if err := p.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var blob []byte
	err := p.db.QueryRowContext(queryCtx, `SELECT data FROM pastes_comp WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	p.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db fetch")
	}
	return blob, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
