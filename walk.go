package sftp

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/kr/fs"
)

// fsFileInfo adapts a FileAttributes/name pair to os.FileInfo so a walk
// callback can use the familiar stdlib shape.
type fsFileInfo struct {
	name  string
	attrs FileAttributes
}

func (fi fsFileInfo) Name() string { return fi.name }
func (fi fsFileInfo) Size() int64 {
	if fi.attrs.Size < 0 {
		return 0
	}
	return fi.attrs.Size
}
func (fi fsFileInfo) Mode() os.FileMode {
	perm := os.FileMode(fi.attrs.Permissions & 0777)
	switch {
	case fi.attrs.IsDirectory():
		perm |= os.ModeDir
	case fi.attrs.IsSymlink():
		perm |= os.ModeSymlink
	case fi.attrs.IsBlockDevice():
		perm |= os.ModeDevice
	case fi.attrs.IsCharDevice():
		perm |= os.ModeDevice | os.ModeCharDevice
	case fi.attrs.IsFIFO():
		perm |= os.ModeNamedPipe
	case fi.attrs.IsSocket():
		perm |= os.ModeSocket
	}
	return perm
}
func (fi fsFileInfo) ModTime() time.Time { return fi.attrs.ModifyTime }
func (fi fsFileInfo) IsDir() bool        { return fi.attrs.IsDirectory() }
func (fi fsFileInfo) Sys() interface{}   { return fi.attrs }

// walkFS adapts a Client to kr/fs.FileSystem so fs.WalkFS can traverse a
// remote tree. Every method uses a background context with no timeout;
// callers needing cancellation should traverse manually via Dir/Stat
// instead of Walk.
type walkFS struct {
	client *Client
}

// Walk returns an fs.Walker rooted at root.
func (c *Client) Walk(root string) *fs.Walker {
	return fs.WalkFS(root, walkFS{client: c})
}

func (w walkFS) ReadDir(dirname string) ([]os.FileInfo, error) {
	d, err := OpenDir(context.Background(), w.client, dirname)
	if err != nil {
		return nil, err
	}
	entries, err := d.ReadAll(context.Background())
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, fsFileInfo{name: path.Base(e.Name), attrs: e.Attrs})
	}
	return infos, nil
}

func (w walkFS) Lstat(name string) (os.FileInfo, error) {
	attrs, err := w.client.Lstat(context.Background(), name)
	if err != nil {
		return nil, err
	}
	return fsFileInfo{name: path.Base(name), attrs: attrs}, nil
}

func (w walkFS) Join(elem ...string) string {
	return path.Join(elem...)
}
