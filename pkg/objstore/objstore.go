// Package objstore holds completed build artifacts and archived job logs in
// an S3-compatible object store, with a filesystem backend for development.
package objstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/types"
)

// Store is an opaque byte-keyed blob store.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ArtifactKey renders the canonical key for a package artifact:
// {origin}/{name}/{version}/{release}/{arch}/{os}/{origin}-{name}-{version}-{release}-{arch}-{os}.hart
func ArtifactKey(ident types.PackageIdent, target types.Target) string {
	arch, os := splitTarget(target)
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s/%s-%s-%s-%s-%s-%s.hart",
		ident.Origin, ident.Name, ident.Version, ident.Release, arch, os,
		ident.Origin, ident.Name, ident.Version, ident.Release, arch, os)
}

// LogKey renders the archive key for a job's log.
func LogKey(jobID int64) string {
	return fmt.Sprintf("logs/%d.log", jobID)
}

// splitTarget separates a target like "x86_64-linux-kernel2" into its
// architecture and OS parts. The architecture never contains a dash.
func splitTarget(target types.Target) (arch, os string) {
	s := string(target)
	i := strings.Index(s, "-")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// Retry runs fn up to attempts times with a fixed delay, for idempotent
// store operations. Terminal failure surfaces as UpstreamUnavailable.
func Retry(ctx context.Context, attempts int, delay time.Duration, what string, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errs.Wrap(err, errs.KindUpstreamUnavailable,
		"%s failed after %d attempts", what, attempts)
}
