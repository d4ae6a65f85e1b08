// Package origin reads pages from the storage the cache sits in front of:
// a local directory tree or an S3 bucket. Origins are wrapped with a
// circuit breaker, and direct loads additionally with retries.
package origin

import (
	"context"
	"path"
	"strings"

	"github.com/mangacache/mangacache/internal/circuit"
	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/retry"
	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

// Origin types
const (
	TypeFilesystem = "filesystem"
	TypeS3         = "s3"
)

// DefaultExtensions are the page formats served by default
var DefaultExtensions = []string{"png", "jpg", "jpeg", "gif", "bmp", "webp", "avif", "html", "htm"}

// Config selects and configures the origin
type Config struct {
	Type       string         `yaml:"type"`
	Root       string         `yaml:"root"`
	Extensions []string       `yaml:"extensions"`
	S3         S3Config       `yaml:"s3"`
	Retry      retry.Config   `yaml:"retry"`
	Breaker    circuit.Config `yaml:"breaker"`

	// MaxFileSize bounds pages read from Root; 0 disables the check
	MaxFileSize int64 `yaml:"max_file_size"`
}

// DefaultConfig serves ./pages from disk
func DefaultConfig() Config {
	return Config{
		Type:       TypeFilesystem,
		Root:       "./pages",
		Extensions: append([]string(nil), DefaultExtensions...),
		S3:         DefaultS3Config(),
		Retry:      retry.DefaultConfig(),
		Breaker:    circuit.DefaultConfig(),

		MaxFileSize: 32 << 20,
	}
}

// Validate checks the selected origin has what it needs
func (c Config) Validate() error {
	switch c.Type {
	case TypeFilesystem:
		if c.Root == "" {
			return errors.NewError(errors.ErrCodeInvalidConfig, "filesystem origin requires a root").
				WithComponent("origin")
		}
	case TypeS3:
		if c.S3.Bucket == "" {
			return errors.NewError(errors.ErrCodeInvalidConfig, "s3 origin requires a bucket").
				WithComponent("origin")
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "unknown origin type %q", c.Type).
			WithComponent("origin")
	}
	if c.MaxFileSize < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "max_file_size must not be negative, got %d", c.MaxFileSize).
			WithComponent("origin")
	}
	return c.Retry.Validate()
}

// Pinger is implemented by origins that can check their own reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open builds the configured origin behind a circuit breaker
func Open(ctx context.Context, config Config, logger *utils.StructuredLogger) (*Guarded, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}

	var base types.Origin
	switch config.Type {
	case TypeFilesystem:
		fs, err := NewFilesystem(config.Root, config.Extensions)
		if err != nil {
			return nil, err
		}
		fs.maxSize = config.MaxFileSize
		base = fs
	case TypeS3:
		s3o, err := NewS3Origin(ctx, config.S3, config.Extensions, logger)
		if err != nil {
			return nil, err
		}
		base = s3o
	}

	breaker := config.Breaker
	breaker.Logger = logger
	return NewGuarded(base, breaker), nil
}

// resolveKey normalizes key and checks its extension against allowed
func resolveKey(key string, allowed map[string]bool) (string, error) {
	clean, err := utils.NormalizeKey(key)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodePathInvalid, "invalid page key").
			WithDetail("key", key)
	}
	if len(allowed) > 0 && !allowed[extension(clean)] {
		return "", errors.NewError(errors.ErrCodePathInvalid, "unsupported page type").
			WithDetail("key", clean)
	}
	return clean, nil
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return set
}

func extension(key string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
}

// ContentType maps a page extension to its MIME type
func ContentType(key string) string {
	switch extension(key) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "webp":
		return "image/webp"
	case "avif":
		return "image/avif"
	case "html", "htm":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
