// Package warcdir serves records straight out of WARC files in a local
// directory tree.
package warcdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/timegate/internal/resource"
	"github.com/mohammad-safakhou/timegate/internal/warc"
)

// Scheme is the backend spec scheme, as in "warcdir:/data/warcs".
const Scheme = "warcdir"

// ReferenceScheme is the reference scheme this store answers.
const ReferenceScheme = "warcfile"

// Store reads records from files under Root.
type Store struct {
	root   string
	logger *log.Logger
}

// New opens a store rooted at dir, which must be an existing directory.
func New(dir string, logger *log.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("warc directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("warc directory %s is not a directory", abs)
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "WARCDIR"})
	}
	return &Store{root: abs, logger: logger}, nil
}

// Factory returns a resource.Factory for "warcdir:<path>" specs.
func Factory(logger *log.Logger) resource.Factory {
	return func(spec string) (resource.Store, error) {
		_, dir, ok := strings.Cut(spec, ":")
		if !ok || dir == "" {
			return nil, fmt.Errorf("warcdir spec %q has no directory", spec)
		}
		return New(dir, logger)
	}
}

// Root returns the resolved root directory.
func (s *Store) Root() string { return s.root }

// GetResource reads the record at the reference's offset. Paths that escape
// the root, directories and missing files are clean misses.
func (s *Store) GetResource(ctx context.Context, ref resource.Reference) (*resource.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.EqualFold(ref.Scheme, ReferenceScheme) {
		return nil, resource.ErrNotFound
	}
	path, ok := s.resolve(ref.Path)
	if !ok {
		s.logger.Debug("reference escapes root", "ref", ref.String())
		return nil, resource.ErrNotFound
	}
	offset, err := ref.Offset()
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", ref.Path, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, resource.ErrNotFound
	}
	if offset >= fi.Size() {
		return nil, fmt.Errorf("offset %d beyond end of %s", offset, ref.Path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref.Path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s: %w", ref.Path, err)
	}
	rec, err := warc.ReadRecord(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s: %w", ref.String(), err)
	}
	out := convert(rec)
	out.SetCloser(func() error {
		return errors.Join(rec.Close(), f.Close())
	})
	return out, nil
}

// resolve maps a reference path to a file under the root, following
// symlinks, and reports false when the result lies outside it.
func (s *Store) resolve(refPath string) (string, bool) {
	path := filepath.Join(s.root, filepath.FromSlash(refPath))
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

func convert(rec *warc.Record) *resource.Record {
	out := &resource.Record{
		Status:      rec.HTTPStatus,
		ContentType: rec.ContentType,
		TargetURI:   rec.TargetURI,
		RecordType:  rec.Type,
		Date:        rec.Date,
		Payload:     rec.Payload,
	}
	if rec.Type == "resource" && out.Status == 0 {
		out.Status = 200
	}
	for _, f := range rec.HTTPHeader {
		out.Header.Add(f.Name, f.Value)
	}
	return out
}
