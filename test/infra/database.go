package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

const (
	localDB   = "tokenvote_stress"
	localRole = "tokenvote"
	localPass = "tokenvote"
)

// recreateLocalDatabase drops and recreates localDB on 127.0.0.1:5432 and
// returns a DSN for localRole.
func recreateLocalDatabase(ctx context.Context) (string, error) {
	if err := exec.CommandContext(ctx, "pg_isready", "-h", "127.0.0.1", "-p", "5432").Run(); err != nil {
		return "", errors.New("no local postgres on 127.0.0.1:5432")
	}

	admin, err := connectAdmin(ctx)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	db := pgx.Identifier{localDB}.Sanitize()
	role := pgx.Identifier{localRole}.Sanitize()
	steps := []struct {
		what, sql string
	}{
		{"create role", fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, localPass)},
		{"terminate sessions", fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, localDB)},
		{"drop database", "DROP DATABASE IF EXISTS " + db},
		{"create database", fmt.Sprintf("CREATE DATABASE %s OWNER %s", db, role)},
	}
	for _, s := range steps {
		if _, err := admin.Exec(ctx, s.sql); err != nil {
			return "", fmt.Errorf("%s: %w", s.what, err)
		}
	}

	return fmt.Sprintf("postgres://%s:%s@127.0.0.1:5432/%s?sslmode=disable", localRole, localPass, localDB), nil
}

// connectAdmin tries the superuser logins a developer machine usually has.
func connectAdmin(ctx context.Context) (*pgx.Conn, error) {
	users := []string{"postgres", os.Getenv("USER")}
	var errs []error
	for _, u := range users {
		if u == "" {
			continue
		}
		for _, auth := range []string{u, u + ":postgres"} {
			conn, err := pgx.Connect(ctx, fmt.Sprintf("postgres://%s@127.0.0.1:5432/postgres?sslmode=disable", auth))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}
	}
	return nil, fmt.Errorf("connect as admin: %w", errors.Join(errs...))
}
