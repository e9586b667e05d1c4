package ledger

import (
	"fmt"
	"strings"
)

// Backend names a ledger implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// ParseDSN picks a backend from a database URL.
//
//	""                           -> memory (development only, not durable)
//	postgres://... postgresql:// -> Postgres
//	sqlite:<path>, file:<path>   -> SQLite at <path>
func ParseDSN(dsn string) (Backend, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return BackendMemory, "", nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return BackendPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlitePath(BackendSQLite, strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "file:"):
		return sqlitePath(BackendSQLite, strings.TrimPrefix(dsn, "file:"))
	default:
		return "", "", fmt.Errorf("ledger: unsupported database url scheme in %q", redact(dsn))
	}
}

func sqlitePath(b Backend, p string) (Backend, string, error) {
	p = strings.TrimPrefix(p, "//")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if strings.TrimSpace(p) == "" {
		return "", "", fmt.Errorf("ledger: empty sqlite path")
	}
	return b, p, nil
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	if len(dsn) > 8 {
		return dsn[:8] + "..."
	}
	return dsn
}
