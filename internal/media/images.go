// Package media stores space cover images in S3-compatible object storage.
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"spacehub/api/internal/util"
)

// Store uploads images to a MinIO/S3 bucket and returns public URLs.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to the object store and ensures the bucket exists.
// publicURL overrides the URL base returned for stored objects; when empty,
// URLs are built from the endpoint.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, publicURL string) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + endpoint
	}

	return &Store{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// UploadSpaceImage stores a cover image for the space and returns its URL.
// The object name embeds a random id so re-uploads never collide with
// cached copies of the old image.
func (s *Store) UploadSpaceImage(ctx context.Context, spaceID, filename, contentType string, body io.Reader, size int64) (string, error) {
	ext := path.Ext(filename)
	objectName := fmt.Sprintf("spaces/%s/%s%s", spaceID, util.NewID(""), ext)

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucket, objectName, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload space image: %w", err)
	}

	return s.publicURL + "/" + s.bucket + "/" + objectName, nil
}
