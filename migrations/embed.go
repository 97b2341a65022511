// Package migrations embeds the SQL schema so binaries and tests can migrate
// without a checkout.
package migrations

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed *.sql
var FS embed.FS

// Source returns dir when set, otherwise the embedded files.
func Source(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return FS
}
