// Package blob stores attachment and icon files behind a small S3-like
// interface with filesystem, memory and S3 drivers.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem represents the local filesystem implementation.
	DriverFilesystem Driver = "fs"
	// DriverS3 represents an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3"
	// DriverMemory represents an in-memory implementation typically used in tests.
	DriverMemory Driver = "memory"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob: not found")

// Info describes a stored blob.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the storage abstraction the pipelines copy files through. Put
// replaces any existing blob under key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// sanitizeKey ensures key doesn't escape the store and forbids path
// traversal and absolute paths.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid key %q contains '..'", key)
		}
	}
	return path.Clean(key), nil
}

// AttachmentKey is the key of an attachment's file.
func AttachmentKey(attachmentID int64, file string) string {
	return fmt.Sprintf("attachment/%d/%s", attachmentID, path.Base(file))
}

// UserIconKey is the key of a user's icon.
func UserIconKey(userID int64, file string) string {
	return fmt.Sprintf("user/icon/%d/%s", userID, path.Base(file))
}

// ProjectIconKey is the key of a deliverable's icon.
func ProjectIconKey(deliverableID int64, file string) string {
	return fmt.Sprintf("project/icon/%d/%s", deliverableID, path.Base(file))
}

// Copy streams the blob at key from src to dst under dstKey.
func Copy(ctx context.Context, src Store, key string, dst Store, dstKey string) (Info, error) {
	info, rc, err := src.Get(ctx, key)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = rc.Close() }()
	return dst.Put(ctx, dstKey, rc, info.ContentType)
}
