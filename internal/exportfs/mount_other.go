//go:build !linux && !darwin

package exportfs

import (
	"context"
	"fmt"

	"github.com/agentworkforce/steptrail/internal/steptrail"
)

func Mount(ctx context.Context, mountpoint string, tree *Tree, logger Logger) error {
	return fmt.Errorf("%w: fuse mounts need linux or darwin", steptrail.ErrNotImplemented)
}
