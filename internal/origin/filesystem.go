package origin

import (
	"context"
	"io"
	"os"

	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

// Filesystem serves pages from a directory tree
type Filesystem struct {
	root    string
	allowed map[string]bool
	maxSize int64
}

// NewFilesystem serves files under root whose extension is in exts. An
// empty exts allows every extension. Files of any size are read; Open
// applies Config.MaxFileSize.
func NewFilesystem(root string, exts []string) (*Filesystem, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "origin root is not accessible").
			WithComponent("origin").WithDetail("root", root)
	}
	if !info.IsDir() {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "origin root is not a directory").
			WithComponent("origin").WithDetail("root", root)
	}
	return &Filesystem{root: root, allowed: extensionSet(exts)}, nil
}

// Name implements types.Origin
func (f *Filesystem) Name() string {
	return "filesystem:" + f.root
}

func (f *Filesystem) resolve(key string) (string, string, error) {
	clean, err := resolveKey(key, f.allowed)
	if err != nil {
		return "", "", err
	}
	full, err := utils.SecureJoin(f.root, clean)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodePathInvalid, "page key escapes origin root").
			WithDetail("key", clean)
	}
	return clean, full, nil
}

// Fetch reads the whole page
func (f *Filesystem) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOperationCanceled, "fetch canceled")
	}

	clean, full, err := f.resolve(key)
	if err != nil {
		return nil, withOp(err, "fetch")
	}
	info, err := f.statFile(clean, full)
	if err != nil {
		return nil, withOp(err, "fetch")
	}
	if f.maxSize > 0 && info.Size() > f.maxSize {
		return nil, tooLarge(clean, info.Size())
	}

	file, err := os.Open(full)
	if err != nil {
		return nil, withOp(translateFSError(err, clean), "fetch")
	}
	defer file.Close()

	var body io.Reader = file
	if f.maxSize > 0 {
		body = io.LimitReader(file, f.maxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, withOp(translateFSError(err, clean), "fetch")
	}
	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return nil, tooLarge(clean, int64(len(data)))
	}
	return data, nil
}

// Stat returns the page size and type without reading it
func (f *Filesystem) Stat(ctx context.Context, key string) (*types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOperationCanceled, "stat canceled")
	}

	clean, full, err := f.resolve(key)
	if err != nil {
		return nil, withOp(err, "stat")
	}
	info, err := f.statFile(clean, full)
	if err != nil {
		return nil, withOp(err, "stat")
	}
	return &types.ObjectInfo{Key: clean, Size: info.Size(), ContentType: ContentType(clean)}, nil
}

// Ping checks the root is still a readable directory
func (f *Filesystem) Ping(ctx context.Context) error {
	if _, err := os.ReadDir(f.root); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "origin root unreadable").
			WithComponent("origin").WithOperation("ping")
	}
	return nil
}

func (f *Filesystem) statFile(clean, full string) (os.FileInfo, error) {
	info, err := os.Stat(full)
	if err != nil {
		return nil, translateFSError(err, clean)
	}
	if info.IsDir() {
		return nil, errors.NewError(errors.ErrCodeObjectNotFound, "page is a directory").
			WithDetail("key", clean)
	}
	return info, nil
}

func translateFSError(err error, key string) *errors.CacheError {
	switch {
	case os.IsNotExist(err):
		return errors.Wrap(err, errors.ErrCodeObjectNotFound, "page not found").WithDetail("key", key)
	case os.IsPermission(err):
		return errors.Wrap(err, errors.ErrCodeAccessDenied, "page not readable").WithDetail("key", key)
	default:
		return errors.Wrap(err, errors.ErrCodeStorageRead, "page read failed").WithDetail("key", key)
	}
}

func withOp(err error, op string) error {
	if ce, ok := err.(*errors.CacheError); ok {
		return ce.WithComponent("origin").WithOperation(op)
	}
	return err
}
