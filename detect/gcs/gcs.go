// Package gcs detects changes in a Google Cloud Storage bucket via a Cloud
// Pub/Sub streaming pull subscription fed by the bucket's object
// notifications, with OBJECT_FINALIZE/generation==1 classified as CREATE.
//
// Grounded in the GoogleChrome-webstatus.dev enrichment repo's
// lib/gcs/client.go (storage.Client wrapping) and lib/gcppubsub/client.go
// (pubsub.Client.Subscriber(...).Receive streaming-pull pattern).
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"indexsync.dev/cache"
	"indexsync.dev/detect"
	"indexsync.dev/pathutil"
)

const sourceType = "gcs"

// Detector watches one bucket, optionally via a Pub/Sub subscription.
type Detector struct {
	*detect.Base

	bucket       string
	storage      *storage.Client
	bucketHandle *storage.BucketHandle
	pubsubClient *pubsub.Client
	subID        string

	cancelSub context.CancelFunc
	subDone   chan struct{}
}

// New constructs a GCS Detector. Recognized connection_params keys:
// "bucket" (required), "project_id" (required for Pub/Sub), "subscription_id"
// (optional — enables the event stream).
func New(ctx context.Context, cfg detect.Config, dedup cache.Dedup) (*Detector, error) {
	bucket := cfg.Get("bucket")
	if bucket == "" {
		return nil, fmt.Errorf("gcs detector: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs detector: failed to create storage client: %w", err)
	}

	d := &Detector{
		Base:         detect.NewBase(sourceType, dedup, 30*time.Second),
		bucket:       bucket,
		storage:      client,
		bucketHandle: client.Bucket(bucket),
	}

	if subID := cfg.Get("subscription_id"); subID != "" {
		projectID := cfg.Get("project_id")
		ps, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("gcs detector: failed to create pubsub client: %w", err)
		}
		d.pubsubClient = ps
		d.subID = subID
	}

	return d, nil
}

func (d *Detector) SourceType() string { return sourceType }

func (d *Detector) HasEventStream() bool { return d.pubsubClient != nil }

func (d *Detector) Start(ctx context.Context) error {
	files, err := d.ListAllFiles(ctx)
	if err != nil {
		return fmt.Errorf("gcs detector: initial listing failed: %w", err)
	}
	for _, f := range files {
		d.SeedKnownID(f.SourceID)
	}
	d.MarkStarted()

	if d.pubsubClient != nil {
		subCtx, cancel := context.WithCancel(ctx)
		d.cancelSub = cancel
		d.subDone = make(chan struct{})
		go d.receiveLoop(subCtx)
	}
	return nil
}

func (d *Detector) Stop(ctx context.Context) error {
	if d.cancelSub != nil {
		d.cancelSub()
		<-d.subDone
	}
	if d.pubsubClient != nil {
		d.pubsubClient.Close()
	}
	d.storage.Close()
	d.Close()
	return nil
}

func (d *Detector) receiveLoop(ctx context.Context) {
	defer close(d.subDone)
	sub := d.pubsubClient.Subscriber(d.subID)
	err := sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		d.handleMessage(msgCtx, msg)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		d.Log().WithError(err).Warn("pubsub receive ended unexpectedly")
	}
}

func (d *Detector) handleMessage(ctx context.Context, msg *pubsub.Message) {
	eventType := msg.Attributes["eventType"]
	objectID := msg.Attributes["objectId"]
	generation := msg.Attributes["objectGeneration"]
	if objectID == "" {
		return
	}
	if d.Debounce(ctx, objectID) {
		return
	}

	var payload struct {
		Size       string    `json:"size"`
		Updated    time.Time `json:"updated"`
		TimeCreated time.Time `json:"timeCreated"`
	}
	_ = json.Unmarshal(msg.Data, &payload)

	path := pathutil.ObjectStablePath(d.bucket, objectID)
	size, _ := strconv.ParseInt(payload.Size, 10, 64)

	meta := detect.FileMetadata{
		SourceType: sourceType,
		Path:       path,
		SourceID:   objectID,
		SizeBytes:  size,
		ModifiedAt: payload.Updated,
		Ordinal:    payload.Updated.UnixMicro(),
	}

	var kind detect.ChangeType
	switch eventType {
	case "OBJECT_FINALIZE":
		if generation == "1" {
			kind = detect.Create
		} else {
			kind = detect.Update
		}
	case "OBJECT_DELETE", "OBJECT_ARCHIVE":
		kind = detect.Delete
	default:
		return
	}

	_ = d.Publish(ctx, detect.ChangeEvent{ChangeType: kind, Metadata: meta, Timestamp: time.Now()})
}

// ListAllFiles paginates the full bucket listing via storage.Query.
func (d *Detector) ListAllFiles(ctx context.Context) ([]detect.FileMetadata, error) {
	var out []detect.FileMetadata
	it := d.bucketHandle.Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs detector: failed to list objects in %q: %w", d.bucket, err)
		}
		out = append(out, detect.FileMetadata{
			SourceType: sourceType,
			Path:       pathutil.ObjectStablePath(d.bucket, attrs.Name),
			SourceID:   attrs.Name,
			SizeBytes:  attrs.Size,
			MimeType:   attrs.ContentType,
			ModifiedAt: attrs.Updated,
			Ordinal:    attrs.Updated.UnixMicro(),
		})
	}
	return out, nil
}

// LoadFile reads one object's bytes. path is the bucket/object stable form.
func (d *Detector) LoadFile(ctx context.Context, path string) ([]byte, error) {
	prefix := d.bucket + "/"
	key := path
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		key = path[len(prefix):]
	}
	reader, err := d.bucketHandle.Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs detector: failed to read object %q: %w", key, err)
	}
	defer reader.Close()
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, reader); err != nil {
		return nil, fmt.Errorf("gcs detector: failed to copy object %q: %w", key, err)
	}
	return buf.Bytes(), nil
}
