package factory

import (
	"errors"
	"strings"

	"github.com/loykin/warden/internal/store"
	fs "github.com/loykin/warden/internal/store/file"
	pg "github.com/loykin/warden/internal/store/postgres"
	sq "github.com/loykin/warden/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - file:     "file://<path>" or a bare path ending in ".json"
//   - sqlite:   "sqlite://<path>" or any other bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):])
	}
	if strings.HasPrefix(ld, "file://") {
		return fs.New(d[len("file://"):])
	}
	if strings.HasSuffix(ld, ".json") {
		return fs.New(d)
	}
	// default to sqlite path
	return sq.New(d)
}
