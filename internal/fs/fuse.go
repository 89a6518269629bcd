// Package fs provides a read-only FUSE view of the cached families.
package fs

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/JohanCodinha/crmsync/internal/cache"
	"github.com/JohanCodinha/crmsync/internal/logger"
	"github.com/JohanCodinha/crmsync/internal/md"
)

const (
	// maxNameLength is the maximum length for sanitized names in filenames.
	maxNameLength = 50
	// inoBase keeps family inodes clear of the root inode.
	inoBase = 1 << 32
	// fileMode is the permission of every family file.
	fileMode = 0444
)

// Store is the read side of the cache the view needs.
type Store interface {
	ListFamilies(ctx context.Context, opts cache.ListOptions) ([]cache.Family, int, error)
	GetFamily(ctx context.Context, id int64) (*cache.Family, error)
}

// filenameRegex matches family filenames in the format: name[id].md
var filenameRegex = regexp.MustCompile(`^(.+)\[(\d+)\]\.md$`)

// sanitizeName converts a contact name to a filesystem-safe filename component.
func sanitizeName(name string) string {
	result := strings.ToLower(name)
	result = strings.ReplaceAll(result, " ", "-")

	var sb strings.Builder
	for _, r := range result {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			sb.WriteRune(r)
		}
	}
	result = sb.String()

	for strings.Contains(result, "--") {
		result = strings.ReplaceAll(result, "--", "-")
	}
	result = strings.Trim(result, "-")

	if len(result) > maxNameLength {
		result = strings.TrimSuffix(result[:maxNameLength], "-")
	}

	if result == "" {
		result = "contact"
	}
	return result
}

// makeFilename creates a filename from a family name and id.
// Format: sanitized-name[id].md
func makeFilename(name string, id int64) string {
	return fmt.Sprintf("%s[%d].md", sanitizeName(name), id)
}

// parseFilename extracts the family id from a filename.
func parseFilename(name string) (int64, bool) {
	matches := filenameRegex.FindStringSubmatch(name)
	if len(matches) < 3 {
		return 0, false
	}

	id, err := strconv.ParseInt(matches[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// parseFamilyTime parses a stored timestamp, accepting RFC3339 and the
// zone-less form the CRM uses for created dates. Unparseable values yield now.
func parseFamilyTime(timestamp string) time.Time {
	if timestamp == "" {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
		if t, err := time.Parse(layout, timestamp); err == nil {
			return t
		}
	}
	return time.Now()
}

func familyIno(id int64) uint64 {
	return inoBase + uint64(id)
}

// FS represents the mounted view.
type FS struct {
	store      Store
	mountpoint string
	server     *fuse.Server
}

// NewFS creates a new FUSE filesystem instance.
func NewFS(store Store, mountpoint string) *FS {
	return &FS{
		store:      store,
		mountpoint: mountpoint,
	}
}

// Mount starts the FUSE server and blocks until unmounted.
// SIGINT and SIGTERM unmount the view.
func (f *FS) Mount() error {
	root := &rootNode{store: f.store}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:  "crmsync",
			Name:    "crmsync",
			Options: []string{"ro"},
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(f.mountpoint, root, opts)
	if err != nil {
		return fmt.Errorf("failed to mount FUSE filesystem: %w", err)
	}
	f.server = server
	logger.Info("fs: mounted at %s", f.mountpoint)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		if _, ok := <-sigChan; ok {
			if err := f.Unmount(); err != nil {
				logger.Error("fs: unmount failed: %v", err)
			}
		}
	}()

	server.Wait()
	logger.Info("fs: unmounted %s", f.mountpoint)
	return nil
}

// Unmount stops the FUSE server.
func (f *FS) Unmount() error {
	if f.server != nil {
		return f.server.Unmount()
	}
	return nil
}

// rootNode is the single directory of the view.
type rootNode struct {
	fs.Inode
	store Store
}

var _ = (fs.NodeReaddirer)((*rootNode)(nil))
var _ = (fs.NodeLookuper)((*rootNode)(nil))
var _ = (fs.NodeCreater)((*rootNode)(nil))
var _ = (fs.NodeUnlinker)((*rootNode)(nil))
var _ = (fs.NodeRenamer)((*rootNode)(nil))

func (r *rootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (r *rootNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (r *rootNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

// Readdir lists one file per cached family, in name order.
func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	families, _, err := r.store.ListFamilies(ctx, cache.ListOptions{})
	if err != nil {
		logger.Error("fs: failed to list families: %v", err)
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(families))
	for _, family := range families {
		entries = append(entries, fuse.DirEntry{
			Name: makeFilename(family.Name, family.ID),
			Ino:  familyIno(family.ID),
			Mode: fuse.S_IFREG,
		})
	}

	return fs.NewListDirStream(entries), 0
}

// Lookup finds a family file by name.
func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, ok := parseFilename(name)
	if !ok {
		return nil, syscall.ENOENT
	}

	family, err := r.store.GetFamily(ctx, id)
	if err != nil || family == nil {
		return nil, syscall.ENOENT
	}

	fillAttr(&out.Attr, family, len(md.ToMarkdown(family)))

	child := r.NewInode(ctx, &familyFileNode{store: r.store, id: id}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  familyIno(id),
	})
	return child, 0
}

// fillAttr sets mode, size, inode and times for a family file.
func fillAttr(attr *fuse.Attr, family *cache.Family, size int) {
	attr.Mode = fileMode
	attr.Size = uint64(size)
	attr.Ino = familyIno(family.ID)

	mtime := family.UpdatedAt
	if mtime.IsZero() {
		mtime = time.Now()
	}
	ctime := parseFamilyTime(family.CreatedDate)
	attr.SetTimes(&mtime, &mtime, &ctime)
}

// familyFileNode is one rendered family.
type familyFileNode struct {
	fs.Inode
	store Store
	id    int64
}

var _ = (fs.NodeGetattrer)((*familyFileNode)(nil))
var _ = (fs.NodeOpener)((*familyFileNode)(nil))
var _ = (fs.NodeReader)((*familyFileNode)(nil))

// render loads the family and renders it, or reports why it could not.
func (f *familyFileNode) render(ctx context.Context) (*cache.Family, string, syscall.Errno) {
	family, err := f.store.GetFamily(ctx, f.id)
	if err != nil {
		logger.Error("fs: failed to load family %d: %v", f.id, err)
		return nil, "", syscall.EIO
	}
	if family == nil {
		// cleared from the cache while the inode was alive
		return nil, "", syscall.ENOENT
	}
	return family, md.ToMarkdown(family), 0
}

// Getattr returns file attributes.
func (f *familyFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	family, content, errno := f.render(ctx)
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, family, len(content))
	return 0
}

// Open snapshots the rendered document for the life of the handle.
func (f *familyFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	_, content, errno := f.render(ctx)
	if errno != 0 {
		return nil, 0, errno
	}
	return &familyFileHandle{content: []byte(content)}, fuse.FOPEN_DIRECT_IO, 0
}

// Read reads from the open handle, or renders afresh without one.
func (f *familyFileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	var content []byte
	if handle, ok := fh.(*familyFileHandle); ok {
		content = handle.content
	} else {
		_, rendered, errno := f.render(ctx)
		if errno != 0 {
			return nil, errno
		}
		content = []byte(rendered)
	}

	if off >= int64(len(content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return fuse.ReadResultData(content[off:end]), 0
}

// familyFileHandle holds the document as rendered at open time.
type familyFileHandle struct {
	content []byte
}

var _ = (fs.FileHandle)((*familyFileHandle)(nil))
