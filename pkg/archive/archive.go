// Package archive uploads engine console logs to object storage
package archive

import (
	"bufio"
	"cloud.google.com/go/storage"
	"context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"google.golang.org/api/option"
	"io"
	"os"
	"path"
	"path/filepath"
)

// Store keeps a copy of a local file under a key.
type Store interface {
	Upload(ctx context.Context, localPath, key string) error
}

type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

// GCSStore writes objects to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, config GCSConfig) (*GCSStore, error) {
	if config.Bucket == "" {
		return nil, errors.New("archive bucket not set")
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create storage client")
	}

	return &GCSStore{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
	}, nil
}

func (s *GCSStore) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	obj := s.client.Bucket(s.bucket).Object(path.Join(s.prefix, key))
	writer := obj.NewWriter(ctx)

	if _, err := io.Copy(writer, bufio.NewReader(f)); err != nil {
		writer.Close()
		return errors.Wrapf(err, "upload %v", localPath)
	}
	return errors.Wrapf(writer.Close(), "finish upload of %v", localPath)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

// NewRunKey returns a fresh key prefix grouping the logs of one run.
func NewRunKey() string {
	return uuid.New().String()
}

// UploadAll stores every existing file under runKey/<base name>. Missing files
// are skipped; other failures are collected.
func UploadAll(ctx context.Context, store Store, runKey string, paths []string) error {
	var err error
	for _, p := range paths {
		if _, statErr := os.Stat(p); os.IsNotExist(statErr) {
			continue
		}
		key := path.Join(runKey, filepath.Base(p))
		err = multierr.Append(err, store.Upload(ctx, p, key))
	}
	return err
}
