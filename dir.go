package sftp

import (
	"context"
	"strings"
)

// DirEntry is one listed (name, attributes) pair, with Name already
// prefixed with the base path per spec §4.5.
type DirEntry struct {
	Name     string
	Longname string
	Attrs    FileAttributes
}

// Dir iterates a remote directory's contents via OPENDIR/READDIR.
type Dir struct {
	client   *Client
	handle   string
	base     string
	prefix   string
	eof      bool
	disposed bool
}

// OpenDir opens path for listing.
func OpenDir(ctx context.Context, client *Client, path string) (*Dir, error) {
	handle, err := client.Opendir(ctx, path)
	if err != nil {
		return nil, err
	}
	prefix := path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Dir{client: client, handle: handle, base: path, prefix: prefix}, nil
}

// ReadDir returns the next batch of entries. A nil, nil result (with ok
// false handled internally) means the listing is exhausted.
func (d *Dir) ReadDir(ctx context.Context) ([]DirEntry, error) {
	if d.disposed {
		return nil, ErrDisposed
	}
	if d.eof {
		return nil, nil
	}

	names, ok, err := d.client.Readdir(ctx, d.handle)
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	if !ok {
		d.eof = true
		return nil, nil
	}

	entries := make([]DirEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, DirEntry{
			Name:     d.prefix + n.name,
			Longname: n.longname,
			Attrs:    n.attrs,
		})
	}
	return entries, nil
}

// ReadAll drains the directory to exhaustion, always closing the handle
// on the way out (success, error, or cancellation alike).
func (d *Dir) ReadAll(ctx context.Context) ([]DirEntry, error) {
	defer d.Close(ctx)

	var all []DirEntry
	for {
		batch, err := d.ReadDir(ctx)
		if err != nil {
			return all, err
		}
		if batch == nil {
			return all, nil
		}
		all = append(all, batch...)
	}
}

// Close releases the directory handle. Double-close is a no-op.
func (d *Dir) Close(ctx context.Context) error {
	if d.disposed {
		return nil
	}
	d.disposed = true
	return d.client.CloseHandle(ctx, d.handle)
}
