package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lib/pq"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// driver knows how to reach one database engine.
type driver struct {
	dsn  func(domain.RepositoryConfig) (string, error)
	open func(dsn string) (*sql.DB, error)
	// maxConns caps the pool regardless of configuration; zero means no cap.
	maxConns func(domain.RepositoryConfig) int
}

var drivers = map[string]driver{
	"sqlite": {
		dsn:  sqliteDSN,
		open: func(dsn string) (*sql.DB, error) { return sql.Open("sqlite", dsn) },
		maxConns: func(cfg domain.RepositoryConfig) int {
			// Each connection to :memory: would see its own empty database.
			if cfg.SQLitePath == memoryPath {
				return 1
			}
			return 0
		},
	},
	"postgres": {
		dsn: postgresDSN,
		open: func(dsn string) (*sql.DB, error) {
			connector, err := pq.NewConnector(dsn)
			if err != nil {
				return nil, err
			}
			return sql.OpenDB(connector), nil
		},
		maxConns: func(domain.RepositoryConfig) int { return 0 },
	},
}

const memoryPath = ":memory:"

var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}
	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	q := url.Values{}
	for _, p := range sqlitePragmas {
		if path == memoryPath && p == sqlitePragmas[0] {
			continue
		}
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode(), nil
}

func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	params := []struct{ key, value, fallback string }{
		{"host", cfg.PostgresHost, "localhost"},
		{"port", portString(cfg.PostgresPort), "5432"},
		{"user", cfg.PostgresUser, ""},
		{"password", cfg.PostgresPassword, ""},
		{"dbname", cfg.PostgresDB, "kestrel"},
		{"sslmode", cfg.PostgresSSLMode, "disable"},
	}

	var dsn []byte
	for _, p := range params {
		v := p.value
		if v == "" {
			v = p.fallback
		}
		if v == "" {
			continue
		}
		if len(dsn) > 0 {
			dsn = append(dsn, ' ')
		}
		dsn = append(dsn, p.key...)
		dsn = append(dsn, '=')
		dsn = appendQuoted(dsn, v)
	}
	return string(dsn), nil
}

func portString(port int) string {
	if port == 0 {
		return ""
	}
	return strconv.Itoa(port)
}

// appendQuoted writes a libpq key/value connection string value.
func appendQuoted(dst []byte, v string) []byte {
	dst = append(dst, '\'')
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			dst = append(dst, '\\')
		}
		dst = append(dst, v[i])
	}
	return append(dst, '\'')
}

// connect opens and pings one pool. A failed ping closes the pool so the
// caller can retry from scratch.
func (d driver) connect(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}
	db, err := d.open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
