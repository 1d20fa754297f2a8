package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgtype"
	shopspring "github.com/jackc/pgtype/ext/shopspring-numeric"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"papertrade/internal/config"
)

type PostgreSQL struct {
	Config config.PostgresConfig
}

func (pg *PostgreSQL) Connect(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(pg.ConnectionURI())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if pg.Config.MaxConns > 0 {
		poolCfg.MaxConns = pg.Config.MaxConns
	}
	poolCfg.AfterConnect = registerTypes

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (pg *PostgreSQL) Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

func (pg *PostgreSQL) ConnectionURI() string {
	return pg.Config.ConnectionURI()
}

// registerTypes maps NUMERIC to shopspring decimals on every new connection.
func registerTypes(ctx context.Context, conn *pgx.Conn) error {
	conn.ConnInfo().RegisterDataType(pgtype.DataType{
		Value: &shopspring.Numeric{},
		Name:  "numeric",
		OID:   pgtype.NumericOID,
	})
	return nil
}
