// Package azureblob lists an Azure Blob Storage container and, when the
// $blobchangefeed container is present, polls its Change Feed every 30s
// with a continuation token held in memory. readChangeFeed returns no
// events, so change-feed polling publishes nothing. If $blobchangefeed is
// absent the instance stays periodic-only. 30s debounce window.
//
// Grounded in the teacher's cloud/azuregraph.go azidentity credential
// pattern (NewClientSecretCredential), extended to azblob for data-plane
// access instead of Microsoft Graph.
package azureblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"indexsync.dev/cache"
	"indexsync.dev/detect"
	"indexsync.dev/pathutil"
)

const sourceType = "azure_blob"

// Detector watches one container, optionally via the account's change feed.
type Detector struct {
	*detect.Base

	account       string
	container     string
	client        *azblob.Client
	changeFeedOK  bool
	continuation  string
	contMu        sync.Mutex
	stopCh        chan struct{}
	pollDone      chan struct{}
}

// New constructs an Azure Blob Detector. Recognized connection_params keys:
// "account_url" (required, e.g. https://acct.blob.core.windows.net),
// "container" (required), "tenant_id", "client_id", "client_secret"
// (optional — when all three are set a client-secret credential is used,
// otherwise the default Azure credential chain). The change feed is probed
// in Start either way.
func New(ctx context.Context, cfg detect.Config, dedup cache.Dedup) (*Detector, error) {
	accountURL := cfg.Get("account_url")
	container := cfg.Get("container")
	if accountURL == "" || container == "" {
		return nil, fmt.Errorf("azureblob detector: account_url and container are required")
	}

	// Change-feed polling retries transient faults with the same backoff
	// the REST transport already uses for plain blob listing/download.
	clientOpts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: 3},
		},
	}

	var client *azblob.Client
	tenant, clientID, secret := cfg.Get("tenant_id"), cfg.Get("client_id"), cfg.Get("client_secret")
	if tenant != "" && clientID != "" && secret != "" {
		cred, err := azidentity.NewClientSecretCredential(tenant, clientID, secret, nil)
		if err != nil {
			return nil, fmt.Errorf("azureblob detector: failed to create credential: %w", err)
		}
		client, err = azblob.NewClient(accountURL, cred, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("azureblob detector: failed to create client: %w", err)
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azureblob detector: failed to create default credential: %w", err)
		}
		client, err = azblob.NewClient(accountURL, cred, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("azureblob detector: failed to create client: %w", err)
		}
	}

	return &Detector{
		Base:      detect.NewBase(sourceType, dedup, 30*time.Second),
		account:   accountURL,
		container: container,
		client:    client,
	}, nil
}

func (d *Detector) SourceType() string { return sourceType }

func (d *Detector) HasEventStream() bool { return d.changeFeedOK }

// Start baselines known_ids, then probes for a $blobchangefeed container;
// if present, starts the change feed polling loop, else stays periodic-only
// permanently for this instance's lifetime.
func (d *Detector) Start(ctx context.Context) error {
	files, err := d.ListAllFiles(ctx)
	if err != nil {
		return fmt.Errorf("azureblob detector: initial listing failed: %w", err)
	}
	for _, f := range files {
		d.SeedKnownID(f.SourceID)
	}
	d.MarkStarted()

	feedPager := d.client.NewListBlobsFlatPager("$blobchangefeed", nil)
	if !feedPager.More() {
		d.Log().Debug("change feed container not present, staying periodic-only")
		return nil
	}
	if _, err := feedPager.NextPage(ctx); err != nil {
		d.Log().WithError(err).Debug("change feed container not accessible, staying periodic-only")
		return nil
	}
	d.changeFeedOK = true
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
	ticker := time.NewTicker(30 * time.Second)
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

// changeFeedEvent is the subset of a change-feed record this detector reads.
type changeFeedEvent struct {
	EventType string
	Subject   string
	EventTime time.Time
	Size      int64
}

// pollOnce advances the change-feed cursor through readChangeFeed, which
// returns no events, so nothing is published here. Any events it returned
// would go through the same Debounce/Publish path as every other detector.
func (d *Detector) pollOnce(ctx context.Context) {
	hadCursor := d.continuation != ""
	events, next, err := d.readChangeFeed(ctx, d.continuation)
	if err != nil {
		d.Log().WithError(err).Warn("change feed read failed, will retry next tick")
		return
	}
	d.contMu.Lock()
	d.continuation = next
	d.contMu.Unlock()

	for _, ev := range events {
		if d.DiscardStale(ev.EventTime, hadCursor) {
			continue
		}
		if d.Debounce(ctx, ev.Subject) {
			continue
		}
		var kind detect.ChangeType
		switch {
		case strings.Contains(ev.EventType, "Delete"):
			kind = detect.Delete
		default:
			kind = detect.Update
		}
		_ = d.Publish(ctx, detect.ChangeEvent{
			ChangeType: kind,
			Metadata: detect.FileMetadata{
				SourceType: sourceType,
				Path:       pathutil.ObjectStablePath(d.container, ev.Subject),
				SourceID:   ev.Subject,
				SizeBytes:  ev.Size,
				ModifiedAt: ev.EventTime,
				Ordinal:    ev.EventTime.UnixMicro(),
			},
			Timestamp: time.Now(),
		})
	}
}

// readChangeFeed is intentionally minimal: the change-feed log format is an
// append-only set of Avro segments under $blobchangefeed; parsing it fully
// is out of scope here (no component in this repo consumes file content
// from change-feed payloads directly — only the event identity and
// timestamp). Left as the integration seam for the concrete Avro reader.
func (d *Detector) readChangeFeed(ctx context.Context, continuation string) ([]changeFeedEvent, string, error) {
	return nil, continuation, nil
}

// ListAllFiles paginates the full container listing.
func (d *Detector) ListAllFiles(ctx context.Context) ([]detect.FileMetadata, error) {
	var out []detect.FileMetadata
	pager := d.client.NewListBlobsFlatPager(d.container, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azureblob detector: failed to list blobs in %q: %w", d.container, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			var modified time.Time
			var size int64
			if item.Properties != nil {
				if item.Properties.LastModified != nil {
					modified = *item.Properties.LastModified
				}
				if item.Properties.ContentLength != nil {
					size = *item.Properties.ContentLength
				}
			}
			out = append(out, detect.FileMetadata{
				SourceType: sourceType,
				Path:       pathutil.ObjectStablePath(d.container, *item.Name),
				SourceID:   *item.Name,
				SizeBytes:  size,
				ModifiedAt: modified,
				Ordinal:    modified.UnixMicro(),
			})
		}
	}
	return out, nil
}

// LoadFile downloads one blob's bytes. path is the container/name stable form.
func (d *Detector) LoadFile(ctx context.Context, path string) ([]byte, error) {
	prefix := d.container + "/"
	name := path
	if strings.HasPrefix(path, prefix) {
		name = strings.TrimPrefix(path, prefix)
	}
	resp, err := d.client.DownloadStream(ctx, d.container, name, nil)
	if err != nil {
		return nil, fmt.Errorf("azureblob detector: failed to download %q: %w", name, err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, fmt.Errorf("azureblob detector: failed to read %q: %w", name, err)
	}
	return buf.Bytes(), nil
}
