package origin

import (
	"context"
	stderr "errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

// S3Config represents the S3 origin configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// SDK-level retries; origin.Retrying adds backoff on top for direct loads
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Pages larger than this are refused
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// DefaultS3Config returns an S3 configuration with sensible defaults
func DefaultS3Config() S3Config {
	return S3Config{
		Region:         "us-east-1",
		MaxRetries:     2,
		RequestTimeout: 10 * time.Second,
		MaxObjectSize:  32 << 20,
	}
}

// S3Origin serves pages stored under a key prefix in a bucket
type S3Origin struct {
	client  *s3.Client
	config  S3Config
	allowed map[string]bool
	logger  *utils.StructuredLogger
}

// NewS3Origin creates the client. Static credentials are used when an
// access key is configured; otherwise the default AWS chain applies.
func NewS3Origin(ctx context.Context, config S3Config, exts []string, logger *utils.StructuredLogger) (*S3Origin, error) {
	if config.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("origin")
	}
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(config.MaxRetries))
	}
	if config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, config.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to load AWS config").
			WithComponent("origin")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		if config.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Origin(client, config, exts, logger), nil
}

func newS3Origin(client *s3.Client, config S3Config, exts []string, logger *utils.StructuredLogger) *S3Origin {
	return &S3Origin{
		client:  client,
		config:  config,
		allowed: extensionSet(exts),
		logger: logger.WithComponent("origin").WithFields(map[string]interface{}{
			"bucket": config.Bucket,
			"prefix": config.Prefix,
		}),
	}
}

// Name implements types.Origin
func (o *S3Origin) Name() string {
	return "s3://" + o.config.Bucket + "/" + strings.Trim(o.config.Prefix, "/")
}

func (o *S3Origin) objectKey(key string) string {
	prefix := strings.Trim(o.config.Prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func (o *S3Origin) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, o.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// Fetch downloads the whole page
func (o *S3Origin) Fetch(ctx context.Context, key string) ([]byte, error) {
	clean, err := resolveKey(key, o.allowed)
	if err != nil {
		return nil, withOp(err, "fetch")
	}

	reqCtx, cancel := o.requestContext(ctx)
	defer cancel()

	start := time.Now()
	result, err := o.client.GetObject(reqCtx, &s3.GetObjectInput{
		Bucket: aws.String(o.config.Bucket),
		Key:    aws.String(o.objectKey(clean)),
	})
	if err != nil {
		return nil, o.translateError(err, "fetch", clean)
	}
	defer result.Body.Close()

	size := aws.ToInt64(result.ContentLength)
	if o.config.MaxObjectSize > 0 && size > o.config.MaxObjectSize {
		return nil, tooLarge(clean, size)
	}

	var body io.Reader = result.Body
	if o.config.MaxObjectSize > 0 {
		body = io.LimitReader(result.Body, o.config.MaxObjectSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, o.translateError(err, "fetch", clean)
	}
	if o.config.MaxObjectSize > 0 && int64(len(data)) > o.config.MaxObjectSize {
		return nil, tooLarge(clean, int64(len(data)))
	}

	o.logger.Trace("Fetched page", map[string]interface{}{
		"key":      clean,
		"size":     humanize.IBytes(uint64(len(data))),
		"duration": time.Since(start).String(),
	})
	return data, nil
}

// Stat reads the page metadata with HeadObject
func (o *S3Origin) Stat(ctx context.Context, key string) (*types.ObjectInfo, error) {
	clean, err := resolveKey(key, o.allowed)
	if err != nil {
		return nil, withOp(err, "stat")
	}

	reqCtx, cancel := o.requestContext(ctx)
	defer cancel()

	result, err := o.client.HeadObject(reqCtx, &s3.HeadObjectInput{
		Bucket: aws.String(o.config.Bucket),
		Key:    aws.String(o.objectKey(clean)),
	})
	if err != nil {
		return nil, o.translateError(err, "stat", clean)
	}

	ct := aws.ToString(result.ContentType)
	if ct == "" || ct == "binary/octet-stream" {
		ct = ContentType(clean)
	}
	return &types.ObjectInfo{
		Key:         clean,
		Size:        aws.ToInt64(result.ContentLength),
		ContentType: ct,
	}, nil
}

// Ping checks the bucket is reachable
func (o *S3Origin) Ping(ctx context.Context) error {
	reqCtx, cancel := o.requestContext(ctx)
	defer cancel()

	_, err := o.client.HeadBucket(reqCtx, &s3.HeadBucketInput{Bucket: aws.String(o.config.Bucket)})
	if err != nil {
		return o.translateError(err, "ping", "")
	}
	return nil
}

// tooLarge reports a page over an origin's size limit
func tooLarge(key string, size int64) error {
	return errors.NewError(errors.ErrCodeEntryTooLarge, "page exceeds origin size limit").
		WithComponent("origin").WithOperation("fetch").
		WithDetail("key", key).
		WithDetail("size", humanize.IBytes(uint64(size)))
}

func (o *S3Origin) translateError(err error, op, key string) error {
	var ce *errors.CacheError
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		ce = errors.Wrap(err, errors.ErrCodeObjectNotFound, "page not found")
	case isErrorType[*s3types.NoSuchBucket](err):
		ce = errors.Wrap(err, errors.ErrCodeConnectionFailed, "bucket not found").
			WithDetail("bucket", o.config.Bucket)
	case stderr.Is(err, context.DeadlineExceeded):
		ce = errors.Wrap(err, errors.ErrCodeOperationTimeout, "origin request timed out")
	case stderr.Is(err, context.Canceled):
		ce = errors.Wrap(err, errors.ErrCodeOperationCanceled, "origin request canceled")
	default:
		ce = errors.Wrap(err, errors.ErrCodeStorageRead, "origin request failed")
	}
	if key != "" {
		ce = ce.WithDetail("key", key)
	}
	return ce.WithComponent("origin").WithOperation(op)
}

func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
