// Package s3 detects changes in an S3 bucket via an SQS queue bound to
// bucket event notifications, with a 20s long-poll receive loop run in a
// background goroutine (the SDK call is blocking). Falls back to
// periodic-only when no queue_url is configured.
//
// Grounded in the teacher's storage/s3aws.go config.LoadDefaultConfig +
// static-credentials pattern, extended to sqs.NewFromConfig for the queue
// side.
package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"indexsync.dev/cache"
	"indexsync.dev/detect"
	"indexsync.dev/pathutil"
)

const sourceType = "s3"

// Detector watches one bucket, optionally via SQS notifications.
type Detector struct {
	*detect.Base

	bucket    string
	queueURL  string
	s3Client  *s3.Client
	sqsClient *sqs.Client

	stopPolling chan struct{}
	pollingDone chan struct{}
}

// New constructs an S3 Detector. Recognized connection_params keys:
// "bucket" (required), "region" (default us-east-1), "access_key",
// "secret_key", "queue_url" (optional — enables the event stream),
// "endpoint" (optional, for S3-compatible stores).
func New(ctx context.Context, cfg detect.Config, dedup cache.Dedup) (*Detector, error) {
	bucket := cfg.Get("bucket")
	if bucket == "" {
		return nil, fmt.Errorf("s3 detector: bucket is required")
	}
	region := cfg.GetDefault("region", "us-east-1")

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if ak, sk := cfg.Get("access_key"), cfg.Get("secret_key"); ak != "" && sk != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 detector: failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	var sqsClient *sqs.Client
	queueURL := cfg.Get("queue_url")
	if queueURL != "" {
		sqsClient = sqs.NewFromConfig(awsCfg)
	}

	return &Detector{
		Base:      detect.NewBase(sourceType, dedup, 30*time.Second),
		bucket:    bucket,
		queueURL:  queueURL,
		s3Client:  s3Client,
		sqsClient: sqsClient,
	}, nil
}

func (d *Detector) SourceType() string { return sourceType }

func (d *Detector) HasEventStream() bool { return d.sqsClient != nil }

func (d *Detector) Start(ctx context.Context) error {
	files, err := d.ListAllFiles(ctx)
	if err != nil {
		return fmt.Errorf("s3 detector: initial listing failed: %w", err)
	}
	for _, f := range files {
		d.SeedKnownID(f.SourceID)
	}
	d.MarkStarted()

	if d.sqsClient != nil {
		d.stopPolling = make(chan struct{})
		d.pollingDone = make(chan struct{})
		go d.receiveLoop(ctx)
	}
	return nil
}

func (d *Detector) Stop(ctx context.Context) error {
	if d.stopPolling != nil {
		close(d.stopPolling)
		<-d.pollingDone
	}
	d.Close()
	return nil
}

func (d *Detector) receiveLoop(ctx context.Context) {
	defer close(d.pollingDone)
	defer func() {
		if r := recover(); r != nil {
			d.Log().WithField("panic", fmt.Sprintf("%v", r)).Error("s3 receive loop panicked")
		}
	}()
	for {
		select {
		case <-d.stopPolling:
			return
		case <-ctx.Done():
			return
		default:
		}
		out, err := d.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &d.queueURL,
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			d.Log().WithError(err).Warn("sqs receive failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range out.Messages {
			d.handleMessage(ctx, msg.Body)
			if msg.ReceiptHandle != nil {
				_, _ = d.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      &d.queueURL,
					ReceiptHandle: msg.ReceiptHandle,
				})
			}
		}
	}
}

// s3Notification models the S3 bucket-notification envelope, optionally
// wrapped in an SNS envelope.
type s3Notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
				ETag string `json:"eTag"`
			} `json:"object"`
		} `json:"s3"`
		EventTime time.Time `json:"eventTime"`
	} `json:"Records"`
}

type snsEnvelope struct {
	Message string `json:"Message"`
}

func (d *Detector) handleMessage(ctx context.Context, body *string) {
	if body == nil {
		return
	}
	raw := *body

	var env snsEnvelope
	if json.Unmarshal([]byte(raw), &env) == nil && env.Message != "" {
		raw = env.Message
	}

	var note s3Notification
	if err := json.Unmarshal([]byte(raw), &note); err != nil {
		return
	}
	for _, rec := range note.Records {
		key := rec.S3.Object.Key
		if key == "" {
			continue
		}
		if d.Debounce(ctx, key) {
			continue
		}
		path := pathutil.ObjectStablePath(d.bucket, key)
		meta := detect.FileMetadata{
			SourceType: sourceType,
			Path:       path,
			SourceID:   key,
			SizeBytes:  rec.S3.Object.Size,
			ModifiedAt: rec.EventTime,
			Ordinal:    rec.EventTime.UnixMicro(),
		}
		var kind detect.ChangeType
		switch {
		case strings.HasPrefix(rec.EventName, "ObjectRemoved"):
			kind = detect.Delete
		default:
			kind = detect.Update
		}
		_ = d.Publish(ctx, detect.ChangeEvent{ChangeType: kind, Metadata: meta, Timestamp: time.Now()})
	}
}

// ListAllFiles paginates the full bucket listing.
func (d *Detector) ListAllFiles(ctx context.Context) ([]detect.FileMetadata, error) {
	var out []detect.FileMetadata
	paginator := s3.NewListObjectsV2Paginator(d.s3Client, &s3.ListObjectsV2Input{Bucket: &d.bucket})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 detector: failed to list objects in %q: %w", d.bucket, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			var modified time.Time
			if obj.LastModified != nil {
				modified = *obj.LastModified
			}
			out = append(out, detect.FileMetadata{
				SourceType: sourceType,
				Path:       pathutil.ObjectStablePath(d.bucket, *obj.Key),
				SourceID:   *obj.Key,
				SizeBytes:  derefInt64(obj.Size),
				ModifiedAt: modified,
				Ordinal:    modified.UnixMicro(),
			})
		}
	}
	return out, nil
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// LoadFile fetches one object's bytes. path is the bucket/key stable form.
func (d *Detector) LoadFile(ctx context.Context, path string) ([]byte, error) {
	_, key, ok := splitStablePath(path, d.bucket)
	if !ok {
		key = path
	}
	out, err := d.s3Client.GetObject(ctx, &s3.GetObjectInput{Bucket: &d.bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("s3 detector: failed to get object %q: %w", key, err)
	}
	defer out.Body.Close()
	buf, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 detector: failed to read object %q: %w", key, err)
	}
	return buf, nil
}

func splitStablePath(path, bucket string) (string, string, bool) {
	prefix := bucket + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	return bucket, strings.TrimPrefix(path, prefix), true
}
