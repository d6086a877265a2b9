package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// EnvPostgresDSN names an existing database to use instead of a container.
const EnvPostgresDSN = "STRESS_TEST_PG_DSN"

// Container is a started test dependency. A zero Container was not started
// by us and terminating it is a no-op.
type Container struct {
	terminate func(context.Context) error
}

func (c *Container) Terminate(ctx context.Context) error {
	if c == nil || c.terminate == nil {
		return nil
	}
	return c.terminate(ctx)
}

// StartPostgres16 starts a Postgres 16 container and returns its DSN. When
// overrideDSN or STRESS_TEST_PG_DSN is set that database is used instead.
func StartPostgres16(ctx context.Context, overrideDSN string) (*Container, string, error) {
	if overrideDSN != "" {
		return &Container{}, overrideDSN, nil
	}
	if dsn := os.Getenv(EnvPostgresDSN); dsn != "" {
		return &Container{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("signflow"),
		postgres.WithUsername("signflow"),
		postgres.WithPassword("signflow"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &Container{terminate: func(ctx context.Context) error { return pgC.Terminate(ctx) }}, dsn, nil
}

// StartRedis7 starts a Redis container for the sweep lease and returns its
// address.
func StartRedis7(ctx context.Context) (*Container, string, error) {
	rc, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, "", err
	}
	endpoint, err := rc.Endpoint(ctx, "")
	if err != nil {
		_ = rc.Terminate(ctx)
		return nil, "", err
	}
	return &Container{terminate: func(ctx context.Context) error { return rc.Terminate(ctx) }}, endpoint, nil
}
