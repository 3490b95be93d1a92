package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client abstracts the S3 API operations used by [S3Store].
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Options struct {
	// Endpoint is the base URL of an S3-compatible service such as MinIO.
	// Empty means AWS.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
	// PublicURL overrides the base of returned object URLs.
	PublicURL string
}

// S3Store uploads result artifacts to Amazon S3 or any S3-compatible store.
type S3Store struct {
	client    S3Client
	bucket    string
	prefix    string
	publicURL string
}

// New builds an S3Store with static credentials. Path-style addressing is
// used whenever a custom endpoint is configured.
func New(opts Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("storage: access key and secret key are required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	accessKey, secretKey := opts.AccessKey, opts.SecretKey
	s3opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey, Source: "voxscribe"}, nil
		})),
	}
	if endpoint := strings.TrimRight(opts.Endpoint, "/"); endpoint != "" {
		s3opts.BaseEndpoint = aws.String(endpoint)
		s3opts.UsePathStyle = true
	}

	store := NewS3(s3.New(s3opts), opts.Bucket, opts.Prefix)
	store.publicURL = publicBase(opts, region)
	return store, nil
}

// NewS3 wraps a pre-configured client. Prefix is prepended to all object
// keys; pass "" for no prefix.
func NewS3(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		publicURL: "https://" + bucket + ".s3.amazonaws.com",
	}
}

func (s *S3Store) key(path string) string {
	path = strings.TrimLeft(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// Put uploads body under path and returns the object's public URL.
func (s *S3Store) Put(ctx context.Context, path, contentType string, body []byte) (string, error) {
	key := s.key(path)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", key, err)
	}
	return s.URL(path), nil
}

// Exists checks whether the object at path exists via HeadObject.
func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// URL returns the public URL for path.
func (s *S3Store) URL(path string) string {
	segments := strings.Split(s.key(path), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicURL + "/" + strings.Join(segments, "/")
}

func publicBase(opts Options, region string) string {
	if base := strings.TrimRight(opts.PublicURL, "/"); base != "" {
		return base
	}
	if endpoint := strings.TrimRight(opts.Endpoint, "/"); endpoint != "" {
		return endpoint + "/" + opts.Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, region)
}

// isS3NotFound reports whether err indicates the S3 object does not exist.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
