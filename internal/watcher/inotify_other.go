//go:build !linux

package watcher

import (
	"context"

	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
)

const inotifySupported = false

func (w *Watcher) runInotify(ctx context.Context, r *run) error {
	return hwerrors.NewConfigError(hwerrors.ErrCodeConfigInvalid, "the inotify backend is only available on linux")
}
