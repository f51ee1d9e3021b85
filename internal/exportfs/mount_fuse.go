//go:build linux || darwin

package exportfs

import (
	"context"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type rootNode struct {
	fs.Inode
	tree *Tree
}

var _ = (fs.NodeOnAdder)((*rootNode)(nil))

func (r *rootNode) OnAdd(ctx context.Context) {
	dirs := map[string]*fs.Inode{".": &r.Inode}
	for _, dir := range r.tree.Dirs() {
		parent := dirs[path.Dir(dir)]
		child := parent.NewPersistentInode(ctx, &fs.Inode{}, fs.StableAttr{Mode: syscall.S_IFDIR})
		parent.AddChild(path.Base(dir), child, true)
		dirs[dir] = child
	}
	for _, p := range r.tree.Paths() {
		parent := dirs[path.Dir(p)]
		file := &fs.MemRegularFile{
			Data: r.tree.Files[p],
			Attr: fuse.Attr{Mode: 0o444},
		}
		parent.AddChild(path.Base(p), parent.NewPersistentInode(ctx, file, fs.StableAttr{}), true)
	}
}

// Mount serves tree read-only at mountpoint until ctx is done.
func Mount(ctx context.Context, mountpoint string, tree *Tree, logger Logger) error {
	server, err := fs.Mount(mountpoint, &rootNode{tree: tree}, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "steptrail",
			Name:   "steptrail",
		},
	})
	if err != nil {
		return err
	}
	if logger != nil {
		logger.Printf("exportfs: mounted %d files at %s", len(tree.Files), mountpoint)
	}

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			return err
		}
		<-done
		return nil
	case <-done:
		return nil
	}
}
