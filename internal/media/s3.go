package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/metrics"
)

const maxUploadBytes = 64 << 20

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Store struct {
	api    objectAPI
	bucket string
	prefix string
	logger logrus.FieldLogger
	now    func() time.Time
}

type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Store builds an S3 client. Static credentials and a custom endpoint are
// optional; without them the default AWS credential chain is used.
func NewS3Store(ctx context.Context, opts S3Options, logger logrus.FieldLogger) (*S3Store, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(region),
		awscfg.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, bucket, opts.Prefix, logger), nil
}

func newS3Store(api objectAPI, bucket, prefix string, logger logrus.FieldLogger) *S3Store {
	return &S3Store{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
		now:    time.Now,
	}
}

func (s *S3Store) Save(ctx context.Context, sessionKey, format string, r io.Reader) (path string, err error) {
	defer func() { countUpload("s3", err) }()
	format, err = NormalizeFormat(format)
	if err != nil {
		return "", err
	}
	// The body is buffered so every retry attempt can resend it.
	body, err := io.ReadAll(io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", errors.New("empty media payload")
	}
	if len(body) > maxUploadBytes {
		return "", fmt.Errorf("media payload exceeds %d bytes", maxUploadBytes)
	}

	key := objectName(sessionKey, format, s.now())
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	start := time.Now()
	err = retryS3(ctx, s.logger, "put_object", func(callCtx context.Context) error {
		_, putErr := s.api.PutObject(callCtx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String(contentType(format)),
			Metadata:      map[string]string{"session-key": sessionKey},
		})
		return putErr
	})
	observeS3("put_object", start, err)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3Store) Remove(ctx context.Context, path string) error {
	bucket, key, ok := parseS3Path(path)
	if !ok || bucket != s.bucket {
		return fmt.Errorf("path %q is not in bucket %s", path, s.bucket)
	}
	start := time.Now()
	err := retryS3(ctx, s.logger, "delete_object", func(callCtx context.Context) error {
		_, delErr := s.api.DeleteObject(callCtx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return delErr
	})
	if err != nil && shouldIgnoreDeleteError(err) {
		err = nil
	}
	observeS3("delete_object", start, err)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func parseS3Path(path string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(path, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func contentType(format string) string {
	switch format {
	case "webm":
		return "video/webm"
	case "mp4":
		return "video/mp4"
	case "ogg":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

func shouldIgnoreDeleteError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "NoSuchKey" || code == "NotFound"
}

func observeS3(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"op": op, "status": status}
	metrics.Default().IncCounter("memorial_s3_operations_total", labels)
	metrics.Default().ObserveHistogram("memorial_s3_operation_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}
