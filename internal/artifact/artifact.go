// Package artifact persists build outputs. A build's working tree is packed
// into a tar.gz archive and stored under a key; resume and preview restore
// from the latest key recorded on the build.
package artifact

import (
	"context"
	"fmt"

	"github.com/user/appforge/internal/types"
)

// Storage is where archives live. The relational store only ever sees keys.
type Storage interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Available reports whether the backing store is reachable. Checked
	// before every snapshot so a build never records an artifact key that
	// was not durably saved.
	Available(ctx context.Context) error
}

// Key is the canonical storage key for one build snapshot.
func Key(buildID types.BuildID, snapshotID types.SnapshotID) string {
	return fmt.Sprintf("builds/%s/%s.tar.gz", buildID, snapshotID)
}
