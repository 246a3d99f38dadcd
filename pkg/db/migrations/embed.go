package migrations

import "embed"

// FS exposes the migration sources so goose can match registered Go
// migrations by file name without a migrations directory on disk.
//
//go:embed *.go
var FS embed.FS
