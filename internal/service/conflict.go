package service

import (
	"fmt"
	"strings"

	"docdb-transfer/internal/config"
	"docdb-transfer/internal/model"
	"docdb-transfer/internal/objectstore"
)

// target is where an endpoint physically writes.
type target struct {
	// store identifies the backing storage: a mongo URI, a bucket or a
	// memory connection.
	store string
	// path is the namespace inside the store; S3 paths are key prefixes
	// and nest.
	path   string
	nested bool
}

func resolveTarget(cfg *config.Config, ep model.Endpoint) target {
	conn, ok := cfg.GetConnection(ep.ConnectionID)
	if !ok {
		return target{store: "connection:" + ep.ConnectionID, path: ep.Namespace().String()}
	}
	switch conn.Type {
	case config.TypeMongoDB:
		return target{store: "mongodb:" + conn.URI, path: ep.Namespace().String()}
	case config.TypeS3:
		loc := objectstore.Location{Bucket: conn.Bucket, Prefix: conn.Prefix}
		return target{store: "s3:" + conn.Bucket, path: loc.CollectionPrefix(ep.Namespace()), nested: true}
	default:
		return target{store: conn.Type + ":" + conn.ID, path: ep.Namespace().String()}
	}
}

func (t target) overlaps(o target) bool {
	if t.store != o.store {
		return false
	}
	if t.nested && o.nested {
		// a parent prefix and its children are mutually exclusive
		return strings.HasPrefix(t.path, o.path) || strings.HasPrefix(o.path, t.path)
	}
	return t.path == o.path
}

// CheckTargetConflict reports an error when newTarget writes where one of
// the active tasks already writes.
func CheckTargetConflict(cfg *config.Config, newTarget model.Endpoint, active []model.TaskRecord) error {
	want := resolveTarget(cfg, newTarget)
	for _, existing := range active {
		if existing.Status.Terminal() {
			continue
		}
		if resolveTarget(cfg, existing.Target).overlaps(want) {
			return fmt.Errorf("%w: task %s is writing to %s, which overlaps with %s",
				ErrConflict, existing.ID, existing.Target, newTarget)
		}
	}
	return nil
}
