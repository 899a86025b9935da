// Package googledrive detects changes in a Google Drive folder subtree via
// the Drive v3 Changes API, polled on a fixed interval using a persisted
// start page token. A file's createdTime within 5s of its modifiedTime is
// classified as CREATE, otherwise UPDATE.
//
// Grounded in the teacher's cloud/azuregraph.go oauth2-credential wiring
// pattern, adapted to golang.org/x/oauth2 + google.golang.org/api/drive/v3
// (no Graph SDK equivalent exists for Drive in this corpus).
package googledrive

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"indexsync.dev/cache"
	"indexsync.dev/detect"
	"indexsync.dev/pathutil"
)

const sourceType = "google_drive"

// createWindow bounds how close createdTime must be to modifiedTime for a
// change to be classified as CREATE rather than UPDATE.
const createWindow = 5 * time.Second

// Detector watches one folder (and its subtree) in a Drive account.
type Detector struct {
	*detect.Base

	svc      *drive.Service
	folderID string

	pollInterval time.Duration
	pageToken    string

	stopCh   chan struct{}
	pollDone chan struct{}
}

// New constructs a Google Drive Detector. Recognized connection_params keys:
// "folder_id" (required), "credentials_json" (service account JSON,
// required), "poll_interval_seconds" (default 60).
func New(ctx context.Context, cfg detect.Config, dedup cache.Dedup) (*Detector, error) {
	folderID := cfg.Get("folder_id")
	credsJSON := cfg.Get("credentials_json")
	if folderID == "" || credsJSON == "" {
		return nil, fmt.Errorf("googledrive detector: folder_id and credentials_json are required")
	}

	jwtCfg, err := google.JWTConfigFromJSON([]byte(credsJSON), drive.DriveReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("googledrive detector: invalid credentials_json: %w", err)
	}
	client := jwtCfg.Client(ctx)

	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("googledrive detector: failed to create drive service: %w", err)
	}

	interval := 60 * time.Second
	if s := cfg.Get("poll_interval_seconds"); s != "" {
		if d, err := time.ParseDuration(s + "s"); err == nil {
			interval = d
		}
	}

	return &Detector{
		Base:         detect.NewBase(sourceType, dedup, 30*time.Second),
		svc:          svc,
		folderID:     folderID,
		pollInterval: interval,
	}, nil
}

func (d *Detector) SourceType() string { return sourceType }

// HasEventStream reports true: Changes-API polling is treated as this
// source's event stream (it carries deltas, not merely a full inventory),
// distinguishing it from a plain periodic-refresh-only detector.
func (d *Detector) HasEventStream() bool { return true }

func (d *Detector) Start(ctx context.Context) error {
	files, err := d.ListAllFiles(ctx)
	if err != nil {
		return fmt.Errorf("googledrive detector: initial listing failed: %w", err)
	}
	for _, f := range files {
		d.SeedKnownID(f.SourceID)
	}

	tokResp, err := d.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("googledrive detector: failed to get start page token: %w", err)
	}
	d.pageToken = tokResp.StartPageToken
	d.MarkStarted()

	d.stopCh = make(chan struct{})
	d.pollDone = make(chan struct{})
	go d.pollLoop(ctx)
	return nil
}

func (d *Detector) Stop(ctx context.Context) error {
	if d.stopCh != nil {
		close(d.stopCh)
		<-d.pollDone
	}
	d.Close()
	return nil
}

func (d *Detector) pollLoop(ctx context.Context) {
	defer close(d.pollDone)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Detector) pollOnce(ctx context.Context) {
	token := d.pageToken
	for token != "" {
		resp, err := d.svc.Changes.List(token).
			Context(ctx).
			Fields("newStartPageToken,nextPageToken,changes(fileId,removed,file(id,name,parents,mimeType,size,createdTime,modifiedTime,trashed))").
			Do()
		if err != nil {
			d.Log().WithError(err).Warn("changes list failed, will retry next tick")
			return
		}
		for _, ch := range resp.Changes {
			d.handleChange(ctx, ch)
		}
		if resp.NewStartPageToken != "" {
			d.pageToken = resp.NewStartPageToken
		}
		token = resp.NextPageToken
	}
}

func (d *Detector) handleChange(ctx context.Context, ch *drive.Change) {
	if ch.FileId == "" {
		return
	}
	if d.Debounce(ctx, ch.FileId) {
		return
	}

	if ch.Removed || (ch.File != nil && ch.File.Trashed) {
		_ = d.Publish(ctx, detect.ChangeEvent{
			ChangeType: detect.Delete,
			Metadata:   detect.FileMetadata{SourceType: sourceType, Path: pathutil.SchemeStablePath("googledrive", ch.FileId), SourceID: ch.FileId},
			Timestamp:  time.Now(),
		})
		return
	}
	if ch.File == nil || !d.inWatchedFolder(ch.File.Parents) {
		return
	}

	created, _ := time.Parse(time.RFC3339, ch.File.CreatedTime)
	modified, _ := time.Parse(time.RFC3339, ch.File.ModifiedTime)

	kind := detect.Update
	if modified.Sub(created) <= createWindow && modified.Sub(created) >= -createWindow {
		kind = detect.Create
	}

	_ = d.Publish(ctx, detect.ChangeEvent{
		ChangeType: kind,
		Metadata: detect.FileMetadata{
			SourceType: sourceType,
			Path:       pathutil.SchemeStablePath("googledrive", ch.File.Id),
			DisplayPath: ch.File.Name,
			SourceID:   ch.File.Id,
			SizeBytes:  ch.File.Size,
			MimeType:   ch.File.MimeType,
			ModifiedAt: modified,
			Ordinal:    modified.UnixMicro(),
		},
		Timestamp: time.Now(),
	})
}

func (d *Detector) inWatchedFolder(parents []string) bool {
	for _, p := range parents {
		if p == d.folderID {
			return true
		}
	}
	return false
}

// ListAllFiles recursively lists every non-folder file under folderID.
func (d *Detector) ListAllFiles(ctx context.Context) ([]detect.FileMetadata, error) {
	var out []detect.FileMetadata
	if err := d.listFolder(ctx, d.folderID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Detector) listFolder(ctx context.Context, folderID string, out *[]detect.FileMetadata) error {
	query := fmt.Sprintf("'%s' in parents and trashed = false", folderID)
	pageToken := ""
	for {
		call := d.svc.Files.List().
			Q(query).
			Fields("nextPageToken,files(id,name,mimeType,size,createdTime,modifiedTime)").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return fmt.Errorf("googledrive detector: failed to list folder %q: %w", folderID, err)
		}
		for _, f := range resp.Files {
			if f.MimeType == "application/vnd.google-apps.folder" {
				if err := d.listFolder(ctx, f.Id, out); err != nil {
					return err
				}
				continue
			}
			modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
			*out = append(*out, detect.FileMetadata{
				SourceType:  sourceType,
				Path:        pathutil.SchemeStablePath("googledrive", f.Id),
				DisplayPath: f.Name,
				SourceID:    f.Id,
				SizeBytes:   f.Size,
				MimeType:    f.MimeType,
				ModifiedAt:  modified,
				Ordinal:     modified.UnixMicro(),
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return nil
}

// LoadFile downloads one file's bytes. path is the googledrive://<id> stable
// form. Google-native document types (Docs/Sheets/Slides) are exported as
// plain text; everything else is fetched as-is.
func (d *Detector) LoadFile(ctx context.Context, path string) ([]byte, error) {
	fileID := path
	if len(path) > len("googledrive://") {
		fileID = path[len("googledrive://"):]
	}

	meta, err := d.svc.Files.Get(fileID).Fields("mimeType").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("googledrive detector: failed to stat %q: %w", fileID, err)
	}

	if isGoogleNativeType(meta.MimeType) {
		r, err := d.svc.Files.Export(fileID, "text/plain").Context(ctx).Download()
		if err != nil {
			return nil, fmt.Errorf("googledrive detector: failed to export %q: %w", fileID, err)
		}
		defer r.Body.Close()
		return io.ReadAll(r.Body)
	}

	r, err := d.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("googledrive detector: failed to download %q: %w", fileID, err)
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func isGoogleNativeType(mimeType string) bool {
	switch mimeType {
	case "application/vnd.google-apps.document",
		"application/vnd.google-apps.spreadsheet",
		"application/vnd.google-apps.presentation":
		return true
	default:
		return false
	}
}
