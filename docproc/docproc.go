// Package docproc defines the external document-processing capability: the
// thing that turns a byte stream or filesystem path into extracted,
// chunk-ready text. Parsing and chunking themselves are out of scope for
// the synchronization subsystem (see spec §1); this package only names the
// boundary the engine calls through.
package docproc

import (
	"context"

	"indexsync.dev/target"
)

// ParsedDocument is one extracted unit produced from a single source file.
// A single source file may fan out into more than one ParsedDocument (for
// example one per chunk); the engine treats the whole slice as the content
// of one doc_id.
type ParsedDocument struct {
	DocID    string
	Text     string
	Metadata target.Metadata
}

// Processor turns raw bytes (or a local path, via ProcessPath) plus
// metadata into one or more ParsedDocuments. Implementations are expected
// to be supplied by the surrounding application (embedding/LLM calls,
// chunking strategy); this package only documents the contract.
type Processor interface {
	// Process parses raw into ParsedDocuments, stamping meta.DocID and
	// meta.Ordinal onto each.
	Process(ctx context.Context, raw []byte, meta target.Metadata) ([]ParsedDocument, error)
	// ProcessPath is the local-path variant. The engine does not call it:
	// it loads bytes through Detector.LoadFile and calls Process.
	// HTTPProcessor implements it by reading the whole file and calling
	// Process.
	ProcessPath(ctx context.Context, path string, meta target.Metadata) ([]ParsedDocument, error)
}
