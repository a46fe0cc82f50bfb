package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/cmiscopy/internal/logging"
)

const defaultS3Key = "cmiscopy/versions.json"

// objectStore is the subset of *s3.Client the backend uses.
type objectStore interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Location addresses the registry document in a bucket.
type S3Location struct {
	Bucket   string
	Key      string
	Endpoint string // empty uses AWS; set for MinIO and other S3 servers
	Region   string

	// Static credentials; empty uses the AWS environment and profile chain.
	AccessKey string
	SecretKey string
}

// ParseS3DSN parses s3://bucket/key?endpoint=http://minio:9000&region=eu-west-1.
// access_key and secret_key query parameters set static credentials.
func ParseS3DSN(dsn string) (S3Location, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return S3Location{}, fmt.Errorf("parse s3 dsn: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return S3Location{}, fmt.Errorf("s3 dsn must look like s3://bucket/key, got %q", dsn)
	}
	q := u.Query()
	loc := S3Location{
		Bucket:    u.Host,
		Key:       strings.TrimPrefix(u.Path, "/"),
		Endpoint:  q.Get("endpoint"),
		Region:    q.Get("region"),
		AccessKey: q.Get("access_key"),
		SecretKey: q.Get("secret_key"),
	}
	if loc.Key == "" {
		loc.Key = defaultS3Key
	}
	if loc.Region == "" {
		loc.Region = "us-east-1"
	}
	return loc, nil
}

// S3Backend keeps the registry document in an object store so several
// machines can share one registry. Every Store is a read-modify-write of
// the whole object guarded by a conditional PUT on the ETag that was read;
// a concurrent writer makes the PUT fail with 412 and the Store starts over.
type S3Backend struct {
	store objectStore
	loc   S3Location

	mu sync.Mutex
}

// maxStoreAttempts bounds the retries of a Store that keeps losing the
// conditional PUT to other writers.
const maxStoreAttempts = 5

// NewS3Backend connects to the bucket named by dsn.
func NewS3Backend(ctx context.Context, dsn string) (*S3Backend, error) {
	loc, err := ParseS3DSN(dsn)
	if err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(loc.Region)}
	if loc.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(loc.AccessKey, loc.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if loc.Endpoint != "" {
			o.BaseEndpoint = aws.String(loc.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Backend(client, loc), nil
}

func newS3Backend(store objectStore, loc S3Location) *S3Backend {
	return &S3Backend{store: store, loc: loc}
}

// Load fetches the document. A missing object is an empty registry.
func (b *S3Backend) Load(ctx context.Context) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	nodes, _, err := b.fetch(ctx)
	return nodes, err
}

// Store upserts one entry into the current document. Entries other
// writers stored since Load are kept.
func (b *S3Backend) Store(ctx context.Context, nodeID, versionLabel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for attempt := 1; ; attempt++ {
		nodes, etag, err := b.fetch(ctx)
		if err != nil {
			return err
		}
		nodes[nodeID] = versionLabel

		err = b.put(ctx, nodes, etag)
		if err == nil {
			return nil
		}
		if !isWriteConflict(err) || attempt == maxStoreAttempts {
			return err
		}
		logging.Debug("registry object changed concurrently, retrying",
			zap.String("node", nodeID),
			zap.Int("attempt", attempt))
	}
}

// fetch reads the document and its ETag. The ETag is empty when the
// object does not exist yet.
func (b *S3Backend) fetch(ctx context.Context) (map[string]string, string, error) {
	out, err := b.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.loc.Bucket),
		Key:    aws.String(b.loc.Key),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		logging.Debug("no registry object yet", zap.String("bucket", b.loc.Bucket), zap.String("key", b.loc.Key))
		return map[string]string{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("get registry object %s/%s: %w", b.loc.Bucket, b.loc.Key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read registry object: %w", err)
	}
	nodes, err := decodeDocument(data, "s3://"+b.loc.Bucket+"/"+b.loc.Key)
	if err != nil {
		return nil, "", err
	}
	return nodes, aws.ToString(out.ETag), nil
}

// put writes nodes if the object still has etag, or still does not exist
// when etag is empty.
func (b *S3Backend) put(ctx context.Context, nodes map[string]string, etag string) error {
	data, err := encodeDocument(nodes)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.loc.Bucket),
		Key:           aws.String(b.loc.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	}
	if etag == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(etag)
	}
	if _, err := b.store.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put registry object %s/%s: %w", b.loc.Bucket, b.loc.Key, err)
	}
	return nil
}

// isWriteConflict reports whether a conditional PUT lost to another
// writer: 412 when the ETag moved, 409 when two conditional writes raced.
func isWriteConflict(err error) bool {
	var re interface{ HTTPStatusCode() int }
	if !errors.As(err, &re) {
		return false
	}
	code := re.HTTPStatusCode()
	return code == http.StatusPreconditionFailed || code == http.StatusConflict
}

// Close is a no-op.
func (b *S3Backend) Close() error {
	return nil
}
