// Package detect defines the shared change-detection contract implemented
// by every source-specific detector (filesystem, s3, gcs, azureblob,
// alfresco, googledrive, msgraph, box).
package detect

import (
	"context"
	"time"
)

// ChangeType is the kind of mutation a detector observed.
type ChangeType string

const (
	Create ChangeType = "create"
	Update ChangeType = "update"
	Delete ChangeType = "delete"
)

// FileMetadata describes a file or object as seen by a source.
type FileMetadata struct {
	SourceType  string
	Path        string // stable-path form
	DisplayPath string // human-readable path; defaults to Path when empty
	Ordinal     int64
	SizeBytes   int64
	MimeType    string
	ModifiedAt  time.Time
	SourceID    string // file_id / node_id / object key / blob name, when the source exposes one
	Extra       map[string]string
}

// Display returns DisplayPath, falling back to Path when unset.
func (m FileMetadata) Display() string {
	if m.DisplayPath != "" {
		return m.DisplayPath
	}
	return m.Path
}

// ChangeEvent is a single detected mutation, queued in memory between a
// detector and the worker that consumes it.
type ChangeEvent struct {
	ChangeType    ChangeType
	Metadata      FileMetadata
	Timestamp     time.Time
	IsModifyDelete bool
	// ModifyCallback, when set, is invoked after this DELETE completes
	// successfully; it carries the ADD half of a synthesized MODIFY.
	ModifyCallback func(ctx context.Context) error
}

// ModifyIntent reifies the "callback attached to a synthesized DELETE"
// pattern as a structured value instead of a bare closure hung off the
// event, per the design note calling for an explicit Delete/Add pairing.
type ModifyIntent struct {
	Delete ChangeEvent
	Add    func(ctx context.Context) error
}

// AsDeleteEvent returns the DELETE half with ModifyCallback wired to Add.
func (m ModifyIntent) AsDeleteEvent() ChangeEvent {
	ev := m.Delete
	ev.IsModifyDelete = true
	ev.ModifyCallback = m.Add
	return ev
}

// MessageKind distinguishes the three things a detector's channel can carry,
// replacing the source's nullable "idle tick" sentinel with an explicit sum
// type per the design notes.
type MessageKind int

const (
	MessageEvent MessageKind = iota
	MessageIdle
	MessageEnd
)

// Message is one element of a detector's change channel.
type Message struct {
	Kind  MessageKind
	Event ChangeEvent
	Err   error
}

// Detector is the contract every source-specific change detector implements.
type Detector interface {
	// Start connects, verifies access, optionally subscribes to an event
	// source, and populates an in-memory known-ids set by performing one
	// full listing, before returning.
	Start(ctx context.Context) error
	// Stop releases all resources deterministically. Safe to call once;
	// additional calls are no-ops.
	Stop(ctx context.Context) error
	// ListAllFiles returns the complete current inventory, used for
	// periodic refresh and initial baselining.
	ListAllFiles(ctx context.Context) ([]FileMetadata, error)
	// Changes returns a channel of Messages, closed when the detector
	// stops. The detectors in this module return their Base channel, which
	// is never nil and stays empty while nothing publishes to it; callers
	// still treat a nil channel as "no event stream" and skip the
	// event-stream loop.
	Changes() <-chan Message
	// SourceType identifies which of the eight variants this is, for
	// logging and config validation.
	SourceType() string
	// HasEventStream reports whether this detector instance is currently
	// backed by a live event subscription (as opposed to having degraded
	// to periodic-only, or never having one enabled). The engine's
	// CREATE/UPDATE algorithm (spec §4.5 step 3) uses this to decide
	// whether a periodic-refresh sighting of a brand new document should
	// be left to the event stream instead of processed twice.
	HasEventStream() bool
	// LoadFile fetches the raw bytes of a single document at path (the
	// stable-path form), used by the engine's periodic-refresh algorithm
	// for detectors without an event stream (spec §4.5 step 4).
	LoadFile(ctx context.Context, path string) ([]byte, error)
}

// Config is the heterogeneous connection_params mapping passed to a
// detector constructor; each detector documents and validates the keys it
// honors.
type Config map[string]string

func (c Config) Get(key string) string {
	return c[key]
}

func (c Config) GetDefault(key, def string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return def
}
