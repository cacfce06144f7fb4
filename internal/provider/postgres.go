package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Senneseph/edge-hive/sdk"
)

// postgresDatabase implements sdk.Database over a pgx connection pool.
type postgresDatabase struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, config map[string]string) (*driver, error) {
	dsn := config["dsn"]
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			config["user"], config["password"],
			valueOr(config, "host", "localhost"),
			valueOr(config, "port", "5432"),
			config["database"])
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if raw := config["max_connections"]; raw != "" {
		var n int32
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil && n > 0 {
			poolCfg.MaxConns = n
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db := &postgresDatabase{pool: pool}
	return &driver{
		client: db,
		ping:   pool.Ping,
		close:  pool.Close,
	}, nil
}

func rowsToMaps(rows pgx.Rows) ([]sdk.Row, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []sdk.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(sdk.Row, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *postgresDatabase) Query(ctx context.Context, sql string, params ...any) ([]sdk.Row, error) {
	rows, err := d.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return rowsToMaps(rows)
}

func (d *postgresDatabase) QueryOne(ctx context.Context, sql string, params ...any) (sdk.Row, bool, error) {
	rows, err := d.Query(ctx, sql, params...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (d *postgresDatabase) Exec(ctx context.Context, sql string, params ...any) (int64, error) {
	tag, err := d.pool.Exec(ctx, sql, params...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (d *postgresDatabase) Begin(ctx context.Context) (sdk.Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Query(ctx context.Context, sql string, params ...any) ([]sdk.Row, error) {
	rows, err := t.tx.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return rowsToMaps(rows)
}

func (t *postgresTx) Exec(ctx context.Context, sql string, params ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, params...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *postgresTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func valueOr(config map[string]string, key, fallback string) string {
	if v := config[key]; v != "" {
		return v
	}
	return fallback
}
