//go:build libsql

package store

import (
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/tursodatabase/go-libsql"
)

// driverFor maps a path or DSN to a registered database/sql driver.
//
// With the libsql tag, libsql:// DSNs route to the CGO libSQL driver for
// hosted-replica deployments; plain paths still use the embedded driver.
func driverFor(path string) (driver, dsn string, err error) {
	if strings.HasPrefix(path, "libsql://") {
		return "libsql", path, nil
	}
	return "sqlite3", fmt.Sprintf("file:%s", path), nil
}
