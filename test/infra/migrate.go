package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenvote/db"
)

// AppName is the application_name of every pooled test connection. The chaos
// monkey only terminates backends carrying it.
const AppName = "tokenvote-test"

// Teardown releases what Migrated created.
type Teardown func(context.Context) error

// Migrated opens a pool on dsn and applies the embedded schema. With isolate
// set the schema lands in a fresh namespace which Teardown drops again.
func Migrated(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, Teardown, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = AppName
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	teardown := Teardown(func(context.Context) error { return nil })
	if isolate {
		name := fmt.Sprintf("tokenvote_run_%d", time.Now().UnixNano())
		if teardown, err = isolateSchema(ctx, dsn, name, cfg); err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		_ = teardown(ctx)
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = teardown(ctx)
		return nil, nil, err
	}
	return pool, teardown, nil
}

// isolateSchema creates name and points every pooled connection at it.
func isolateSchema(ctx context.Context, dsn, name string, cfg *pgxpool.Config) (Teardown, error) {
	ident := pgx.Identifier{name}.Sanitize()
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+ident); err != nil {
		return nil, fmt.Errorf("create schema %s: %w", name, err)
	}

	searchPath := fmt.Sprintf("SET search_path TO %s, public", ident)
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, searchPath)
		return err
	}
	return func(ctx context.Context) error {
		return execOnce(ctx, dsn, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
	}, nil
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}
