package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"emperror.dev/errors"
	"github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/DisWidgets/diswdgets/internal/store"
)

const documentsTable = "mirror_documents"

// sq is a squirrel builder for postgres
var sq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (cfg *PostgresConfig) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.DBName, cfg.SSLMode,
	)

	if cfg.Password != "" {
		connStr += fmt.Sprintf(" password=%s", cfg.Password)
	}
	return connStr
}

func OpenPostgres(ctx context.Context, cfg *PostgresConfig, log *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	log.Info("postgres connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
	)
	return db, nil
}

var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS mirror_documents (
		collection TEXT NOT NULL,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
	`CREATE INDEX IF NOT EXISTS mirror_documents_collection_idx ON mirror_documents (collection);`,
	`CREATE INDEX IF NOT EXISTS mirror_documents_doc_idx ON mirror_documents USING GIN (doc jsonb_path_ops);`,
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return errors.Wrapf(err, "execute migration %q", m)
		}
	}
	return nil
}

// PostgresCollection stores each document as a JSONB row tagged with the
// collection name. Filters match with JSONB containment.
type PostgresCollection struct {
	db   *sql.DB
	name string
}

func NewPostgresCollection(db *sql.DB, name string) *PostgresCollection {
	return &PostgresCollection{db: db, name: name}
}

func (c *PostgresCollection) Name() string {
	return c.name
}

func (c *PostgresCollection) Exists(ctx context.Context, filter store.Document) (bool, error) {
	query, args, err := existsQuery(c.name, filter)
	if err != nil {
		return false, err
	}

	var one int
	err = c.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *PostgresCollection) Insert(ctx context.Context, doc store.Document) error {
	query, args, err := insertQuery(c.name, doc)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, query, args...)
	return err
}

func (c *PostgresCollection) Update(ctx context.Context, filter, fields store.Document) error {
	query, args, err := updateQuery(c.name, filter, fields)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, query, args...)
	return err
}

func existsQuery(collection string, filter store.Document) (string, []interface{}, error) {
	f, err := json.Marshal(filter)
	if err != nil {
		return "", nil, errors.Wrap(err, "encode filter")
	}

	return sq.Select("1").
		From(documentsTable).
		Where(squirrel.Eq{"collection": collection}).
		Where("doc @> ?::jsonb", string(f)).
		Limit(1).
		ToSql()
}

func insertQuery(collection string, doc store.Document) (string, []interface{}, error) {
	d, err := json.Marshal(doc)
	if err != nil {
		return "", nil, errors.Wrap(err, "encode document")
	}

	return sq.Insert(documentsTable).
		Columns("collection", "doc").
		Values(collection, squirrel.Expr("?::jsonb", string(d))).
		ToSql()
}

// updateQuery merges fields into the first row matching filter, mirroring
// a single-document $set.
func updateQuery(collection string, filter, fields store.Document) (string, []interface{}, error) {
	f, err := json.Marshal(filter)
	if err != nil {
		return "", nil, errors.Wrap(err, "encode filter")
	}
	d, err := json.Marshal(fields)
	if err != nil {
		return "", nil, errors.Wrap(err, "encode fields")
	}

	return sq.Update(documentsTable).
		Set("doc", squirrel.Expr("doc || ?::jsonb", string(d))).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Expr(
			"ctid = (SELECT ctid FROM "+documentsTable+" WHERE collection = ? AND doc @> ?::jsonb LIMIT 1)",
			collection, string(f),
		)).
		ToSql()
}
