//go:build !libsql

package store

import (
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// driverFor maps a path or DSN to a registered database/sql driver.
//
// The default build embeds SQLite via ncruces/go-sqlite3 (wazero runtime,
// no CGO). libsql:// DSNs require building with the libsql tag.
func driverFor(path string) (driver, dsn string, err error) {
	if strings.HasPrefix(path, "libsql://") {
		return "", "", fmt.Errorf("libsql DSN %q requires building with -tags libsql", path)
	}
	return "sqlite3", fmt.Sprintf("file:%s", path), nil
}
