// Package s3store implements the object store on top of Amazon S3 or any S3 compatible service.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ubuntu/decorate"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/ingest/objectstore"
)

// Config represents the S3 connection settings.
// Credentials are resolved through the default AWS chain.
type Config struct {
	Endpoint     string
	Region       string
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey are static credentials, for local endpoints.
	// The default credential chain is used when they are empty.
	AccessKeyID     string
	SecretAccessKey string
}

// LogValue implements slog.LogValuer and hides the secret access key.
func (c Config) LogValue() slog.Value {
	secret := c.SecretAccessKey
	if secret != "" {
		secret = constants.Redacted
	}
	return slog.GroupValue(
		slog.String("endpoint", c.Endpoint),
		slog.String("region", c.Region),
		slog.Bool("usepathstyle", c.UsePathStyle),
		slog.String("accesskeyid", c.AccessKeyID),
		slog.String("secretaccesskey", secret),
	)
}

type client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is an S3 backed object store.
type Store struct {
	client client
}

type options struct {
	newClient func(ctx context.Context, cfg Config) (client, error)
}

// Options represents an optional function to override Store default values.
type Options func(*options)

// New creates a Store connected to S3.
func New(ctx context.Context, cfg Config, args ...Options) (*Store, error) {
	opts := options{
		newClient: newClient,
	}
	for _, opt := range args {
		opt(&opts)
	}

	c, err := opts.newClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create S3 client: %v", err)
	}
	return &Store{client: c}, nil
}

func newClient(ctx context.Context, cfg Config) (client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Get returns the content of bucket/key.
func (s Store) Get(ctx context.Context, bucket, key string) (data []byte, err error) {
	defer decorate.OnError(&err, "could not get object %s/%s", bucket, key)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, objectstore.ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// Put writes data to bucket/key.
func (s Store) Put(ctx context.Context, bucket, key string, data []byte) (err error) {
	defer decorate.OnError(&err, "could not put object %s/%s", bucket, key)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

// Copy copies bucket/srcKey to bucket/dstKey.
func (s Store) Copy(ctx context.Context, bucket, srcKey, dstKey string) (err error) {
	defer decorate.OnError(&err, "could not copy object %s/%s to %s", bucket, srcKey, dstKey)

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		CopySource: aws.String(CopySource(bucket, srcKey)),
		Key:        aws.String(dstKey),
	})
	return err
}

// Delete removes bucket/key.
func (s Store) Delete(ctx context.Context, bucket, key string) (err error) {
	defer decorate.OnError(&err, "could not delete object %s/%s", bucket, key)

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

// List returns the keys of all objects in bucket starting with prefix.
func (s Store) List(ctx context.Context, bucket, prefix string) (keys []string, err error) {
	defer decorate.OnError(&err, "could not list objects in %s", bucket)

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// CopySource returns the URL encoded bucket/key copy source expected by S3.
func CopySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}
