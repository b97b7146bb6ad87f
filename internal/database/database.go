package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"

	"tabesh/internal/config"
	"tabesh/internal/logger"
	"tabesh/internal/models"
)

// Models lists every table model in dependency order.
var Models = []interface{}{
	(*models.Order)(nil),
	(*models.OrderLog)(nil),
	(*models.OrderFile)(nil),
	(*models.DownloadToken)(nil),
	(*models.BehaviorEvent)(nil),
	(*models.Profile)(nil),
	(*models.ChatMessage)(nil),
	(*models.Setting)(nil),
}

// Open connects to MySQL or PostgreSQL and retries the initial ping.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	sqldb, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	retries := cfg.ConnRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = sqldb.PingContext(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if attempt >= retries {
			sqldb.Close()
			return nil, fmt.Errorf("ping %s after %d attempts: %w", cfg.Driver, attempt, err)
		}
		log.Warn("DATABASE", fmt.Sprintf("Database not ready (attempt %d/%d): %v", attempt, retries, err))
		select {
		case <-ctx.Done():
			sqldb.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	var db *bun.DB
	switch cfg.Driver {
	case "postgres":
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		db = bun.NewDB(sqldb, mysqldialect.New())
	}
	log.LogDatabase("CONNECT", cfg.Driver, "connection established")
	return db, nil
}

// CreateSchema creates every table from its bun model. The SQL migrations
// are authoritative for MySQL and PostgreSQL; this serves SQLite.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, m := range Models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}
	return nil
}

// Tables lists table names in the order rows may be safely deleted.
var Tables = []string{
	"download_tokens",
	"order_files",
	"order_logs",
	"orders",
	"ai_messages",
	"ai_profiles",
	"ai_behavior",
	"settings",
}

// Truncate removes all rows from the named tables.
func Truncate(ctx context.Context, idb bun.IDB, tables ...string) error {
	for _, t := range tables {
		if _, err := idb.NewDelete().TableExpr(t).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("truncate %s: %w", t, err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a duplicate key error from any of
// the supported drivers.
func IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
