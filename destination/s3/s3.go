// Package s3 uploads result artifacts as parquet objects under an S3 prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/destination"
	"github.com/queryboost/queryboost-go/sink"
)

var (
	ErrBucketRequired = errors.New("S3 bucket is required.")
	ErrPrefixRequired = errors.New("S3 prefix is required.")
)

var _ sink.Writer = (*Writer)(nil)

type Options struct {
	Bucket string
	Prefix string
	// Client and Uploader default to ones built from the shared AWS config
	Client   s3iface.S3API
	Uploader s3manageriface.UploaderAPI
	Logger   hclog.Logger
}

type Writer struct {
	bucket   string
	prefix   string
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	logger   hclog.Logger
}

// New checks the destination before anything is processed: the bucket is created if it does not
// exist, and the prefix must hold no objects
func New(ctx context.Context, opts Options) (*Writer, error) {
	prefix := strings.Trim(opts.Prefix, "/")
	if opts.Bucket == "" {
		return nil, ErrBucketRequired
	}
	if prefix == "" {
		return nil, ErrPrefixRequired
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Client == nil {
		sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		opts.Client = s3.New(sess)
	}
	if opts.Uploader == nil {
		opts.Uploader = s3manager.NewUploaderWithClient(opts.Client)
	}

	w := &Writer{
		bucket:   opts.Bucket,
		prefix:   prefix,
		client:   opts.Client,
		uploader: opts.Uploader,
		logger:   opts.Logger,
	}
	if err := w.ensureBucket(ctx); err != nil {
		return nil, err
	}
	if err := w.checkPrefix(ctx); err != nil {
		return nil, err
	}
	w.logger.Info("uploading results", "location", w.Location())
	return w, nil
}

// Location returns the s3:// url artifacts are uploaded under
func (w *Writer) Location() string {
	return fmt.Sprintf("s3://%s/%s/", w.bucket, w.prefix)
}

// Key returns the object key of an artifact
func (w *Writer) Key(artifact string) string {
	return path.Join(w.prefix, destination.FileName(artifact))
}

// Write uploads the artifact, overwriting the object of any earlier attempt
func (w *Writer) Write(ctx context.Context, table arrow.Table, artifact string) error {
	var buf bytes.Buffer
	if err := destination.WriteParquet(&buf, table); err != nil {
		return fmt.Errorf("failed to encode %s: %w", artifact, err)
	}
	key := w.Key(artifact)
	_, err := w.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", w.bucket, key, err)
	}
	w.logger.Debug("uploaded artifact", "key", key, "bytes", buf.Len(), "rows", table.NumRows())
	return nil
}

func (w *Writer) ensureBucket(ctx context.Context) error {
	_, err := w.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(w.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("Failed to access S3 bucket '%s': %w", w.bucket, err)
	}
	w.logger.Info("bucket not found, creating it", "bucket", w.bucket)
	if _, err := w.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(w.bucket)}); err != nil {
		return fmt.Errorf("failed to create S3 bucket '%s': %w", w.bucket, err)
	}
	return nil
}

func (w *Writer) checkPrefix(ctx context.Context) error {
	resp, err := w.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(w.bucket),
		Prefix:  aws.String(w.prefix + "/"),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return fmt.Errorf("failed to list s3://%s/%s: %w", w.bucket, w.prefix, err)
	}
	if len(resp.Contents) > 0 {
		return fmt.Errorf("The S3 prefix 's3://%s/%s' already contains files. Please specify an empty prefix or delete existing files before continuing.", w.bucket, w.prefix)
	}
	return nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case "NotFound", s3.ErrCodeNoSuchBucket:
			return true
		}
	}
	return false
}
