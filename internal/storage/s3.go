package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the parameters for the S3-compatible backend.
type S3Config struct {
	// Endpoint is the server URL, e.g. "https://s3.eu-west-1.amazonaws.com".
	Endpoint string

	// Bucket is the bucket all blobs are stored in.
	Bucket string

	// KeyPrefix is an optional prefix prepended to every object key.
	KeyPrefix string

	// Region is the bucket region, when the backend needs one.
	Region string

	// AccessKeyID and SecretAccessKey are the credentials. Empty values
	// fall back to the environment / IAM chain.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store stores blobs in an S3-compatible object store. Object PUTs are
// atomic on the backend side, so no temp-key dance is needed.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3Store from the given configuration.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse s3 endpoint: %w", err)
	}

	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  creds,
		Secure: u.Scheme != "http",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.KeyPrefix, "/"),
	}, nil
}

// StoreCrate implements Store.
func (s *S3Store) StoreCrate(ctx context.Context, name, version string, data io.Reader) error {
	return s.store(ctx, name, version, extCrate, data, "application/octet-stream")
}

// ReadCrate implements Store.
func (s *S3Store) ReadCrate(ctx context.Context, name, version string) (io.ReadCloser, error) {
	return s.read(ctx, name, version, extCrate)
}

// StoreReadme implements Store.
func (s *S3Store) StoreReadme(ctx context.Context, name, version string, html []byte) error {
	return s.store(ctx, name, version, extReadme, bytes.NewReader(html), "text/html; charset=utf-8")
}

// ReadReadme implements Store.
func (s *S3Store) ReadReadme(ctx context.Context, name, version string) (io.ReadCloser, error) {
	return s.read(ctx, name, version, extReadme)
}

// DeleteCrate implements Store.
func (s *S3Store) DeleteCrate(ctx context.Context, name, version string) error {
	return s.delete(ctx, name, version, extCrate)
}

// DeleteReadme implements Store.
func (s *S3Store) DeleteReadme(ctx context.Context, name, version string) error {
	return s.delete(ctx, name, version, extReadme)
}

func (s *S3Store) objectKey(name, version, ext string) (string, error) {
	key, err := blobKey(name, version, ext)
	if err != nil {
		return "", err
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key, nil
}

func (s *S3Store) store(ctx context.Context, name, version, ext string, data io.Reader, contentType string) error {
	key, err := s.objectKey(name, version, ext)
	if err != nil {
		return err
	}

	// Blobs are immutable, so an existing object means a duplicate write.
	_, err = s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
	}
	if !isNoSuchKey(err) {
		return fmt.Errorf("blob stat: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, data, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("blob put: %w", err)
	}
	return nil
}

func (s *S3Store) delete(ctx context.Context, name, version, ext string) error {
	key, err := s.objectKey(name, version, ext)
	if err != nil {
		return err
	}
	// S3 deletes are idempotent; a missing key is not an error.
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob delete: %w", err)
	}
	return nil
}

func (s *S3Store) read(ctx context.Context, name, version, ext string) (io.ReadCloser, error) {
	key, err := s.objectKey(name, version, ext)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob get: %w", err)
	}
	// GetObject is lazy; surface NotFound now rather than on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("blob stat: %w", err)
	}
	return obj, nil
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
	}
	return false
}
