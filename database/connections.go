// Package database owns the corpus storage connections and schema: the
// Postgres pool holding chunk embeddings and the Neo4j driver behind the
// clause cross-reference graph.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// NewPostgresPool opens the corpus pool and verifies the database is
// reachable before any command starts ingesting or serving from it.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create corpus pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping corpus database: %w", err)
	}
	return pool, nil
}

// NewNeo4jDriver connects to the clause graph. Connectivity is verified up
// front; once serving, graph lookups are best-effort.
func NewNeo4jDriver(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create clause graph driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify clause graph connectivity: %w", err)
	}
	return driver, nil
}
