package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/minio/minio-go/v7"

	"podpub/internal/app/podpub/feed"
	"podpub/internal/app/podpub/podcast"
)

// S3Store store
type S3Store struct {
	Client    *minio.Client
	Location  string
	Bucket    string
	PublicURL string
}

// EnsureBucket creates the bucket if it doesn't exist yet
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return s.storageErr("bucket", s.Bucket, err)
	}
	if exists {
		return nil
	}

	log.Printf("[INFO] create bucket %s in %s", s.Bucket, s.Location)
	if err := s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{Region: s.Location}); err != nil {
		return s.storageErr("bucket", s.Bucket, err)
	}
	return nil
}

// Put uploads object to s3 storage
func (s *S3Store) Put(ctx context.Context, objectName string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if contentType == feed.ContentType {
		// clients must never be served a cached feed older than the last publish
		opts.CacheControl = "no-cache"
	}

	info, err := s.Client.PutObject(ctx, s.Bucket, objectName, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return s.storageErr("put", objectName, err)
	}
	log.Printf("[DEBUG] uploaded %s/%s, %d bytes, etag %s", s.Bucket, objectName, info.Size, info.ETag)
	return nil
}

// Get downloads object from s3 storage
func (s *S3Store) Get(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.storageErr("get", objectName, err)
	}
	defer obj.Close()

	// GetObject is lazy, errors of the request come from the first read
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.storageErr("get", objectName, err)
	}
	return data, nil
}

// URL returns public location of the object
func (s *S3Store) URL(objectName string) string {
	base := s.PublicURL
	if base == "" {
		base = fmt.Sprintf("%s/%s", strings.TrimRight(s.Client.EndpointURL().String(), "/"), s.Bucket)
	}
	return strings.TrimRight(base, "/") + "/" + objectName
}

func (s *S3Store) storageErr(op, objectName string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return &podcast.NotFoundError{Kind: "object", Key: objectName}
	}
	return &podcast.StorageError{Op: op, Path: objectName, Transient: isTransientS3(err, resp), Err: err}
}

func isTransientS3(err error, resp minio.ErrorResponse) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch resp.Code {
	case "RequestTimeout", "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeTooSkewed":
		return true
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// no response at all means the request never got an answer
	return resp.StatusCode == 0 && resp.Code == ""
}
