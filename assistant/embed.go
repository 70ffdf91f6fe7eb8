// Package assistant provides embedded copies of the shipped assistant
// configuration files (instruction text and tool schemas). This package
// exists solely to satisfy go:embed's requirement that embedded files
// reside in or below the embedding package directory.
//
// The runtime loader lives in internal/persona.
package assistant

import "embed"

// FS contains the shipped instruction and tool schema files.
//
//go:embed instructions.md *.json
var FS embed.FS
