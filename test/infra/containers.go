package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Postgres is a database the stress run can reach.
type Postgres struct {
	DSN string
	// Shared is set when an operator supplied the database; tests then work
	// inside a throwaway schema instead of owning the whole database.
	Shared bool

	release func(context.Context) error
}

// Provision picks a database in this order: dsn, STRESS_TEST_PG_DSN, a
// postgres:16 container when docker answers, a local server on 5432.
func Provision(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if dsn != "" {
		return &Postgres{DSN: dsn, Shared: true}, nil
	}

	if dockerAvailable(ctx) {
		return startContainer(ctx)
	}
	local, err := recreateLocalDatabase(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
	}
	return &Postgres{DSN: local}, nil
}

// ErrNoDatabase reports that neither docker nor a local server is usable.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Release stops the container, if one was started.
func (p *Postgres) Release(ctx context.Context) error {
	if p == nil || p.release == nil {
		return nil
	}
	return p.release(ctx)
}

func startContainer(ctx context.Context) (*Postgres, error) {
	c, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("tokenvote"),
		postgres.WithUsername("tokenvote"),
		postgres.WithPassword("tokenvote"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("container dsn: %w", err)
	}
	return &Postgres{
		DSN:     dsn,
		release: func(ctx context.Context) error { return c.Terminate(ctx) },
	}, nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}
