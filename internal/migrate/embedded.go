package migrate

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var embedded embed.FS

// Embedded returns the migrations bundled for adapter ("postgres" or "sqlite").
func Embedded(adapter string) (fs.FS, error) {
	switch adapter {
	case "postgres", "sqlite":
		return fs.Sub(embedded, "sql/"+adapter)
	default:
		return nil, fmt.Errorf("migrate: no bundled migrations for adapter %q", adapter)
	}
}
