package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kavos113/quickctf/ctf-manager/config"
)

//go:embed schema.sql
var schemaSQL string

const errDuplicateEntry = 1062

// mysqlConfig builds the driver settings. The dial and I/O deadlines bound
// every round trip, so a hung server surfaces as an error.
func mysqlConfig(cfg config.StoreConfig) *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = cfg.DialTimeout
	mc.ReadTimeout = cfg.IOTimeout
	mc.WriteTimeout = cfg.IOTimeout
	return mc
}

func Connect(cfg config.StoreConfig) (*sql.DB, error) {
	connector, err := mysql.NewConnector(mysqlConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	db := sql.OpenDB(connector)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Database, err)
	}

	slog.Info("connected to database", "addr", net.JoinHostPort(cfg.Host, cfg.Port), "database", cfg.Database)

	return db, nil
}

// InitSchema applies the embedded schema, or the file at schemaPath when set.
func InitSchema(ctx context.Context, db *sql.DB, schemaPath string) error {
	schema := schemaSQL
	if schemaPath != "" {
		b, err := os.ReadFile(schemaPath)
		if err != nil {
			return fmt.Errorf("failed to read schema file: %w", err)
		}
		schema = string(b)
	}

	for _, stmt := range splitSQL(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	return nil
}

func splitSQL(sql string) []string {
	var statements []string
	var current string

	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current += line + "\n"

		if strings.HasSuffix(line, ";") {
			statements = append(statements, current)
			current = ""
		}
	}

	if current != "" {
		statements = append(statements, current)
	}

	return statements
}

// duplicateKey returns the violated unique key name for a duplicate entry error.
func duplicateKey(err error) (string, bool) {
	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.Number != errDuplicateEntry {
		return "", false
	}
	// "Duplicate entry '30001' for key 'instances.uq_instances_active_port'"
	i := strings.LastIndex(me.Message, "for key '")
	if i < 0 {
		return "", true
	}
	key := strings.TrimSuffix(me.Message[i+len("for key '"):], "'")
	if j := strings.LastIndex(key, "."); j >= 0 {
		key = key[j+1:]
	}
	return key, true
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
