package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config selects the bucket. Endpoint enables S3-compatible stores such as
// MinIO and switches to path-style addressing.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

type s3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 loads the default AWS credential chain and returns an S3 archive.
func NewS3(ctx context.Context, cfg S3Config) (Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "eu-central-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client *s3.Client, bucket, prefix string) Archive {
	return &s3Archive{client: client, bucket: bucket, prefix: prefix}
}

func (a *s3Archive) Put(ctx context.Context, fingerprint string, body []byte, meta map[string]string) error {
	if fingerprint == "" {
		return errors.New("archive: fingerprint required")
	}
	key := ObjectKey(a.prefix, fingerprint)

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &a.bucket, Key: &key})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("head %s: %w", key, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &a.bucket,
		Key:           &key,
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (a *s3Archive) Get(ctx context.Context, fingerprint string) ([]byte, error) {
	key := ObjectKey(a.prefix, fingerprint)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &a.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nk) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}
