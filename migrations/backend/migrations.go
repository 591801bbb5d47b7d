// Package backend holds the schema history of the hosted record store.
package backend

import "embed"

//go:embed *.sql
var FS embed.FS

// Latest is the newest backend schema version.
const Latest int64 = 2
