package querybridge

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// schemaSourceRetries bounds remote datamodel fetch attempts.
const schemaSourceRetries = 3

// loadDatamodel resolves the configured schema source to a raw YAML document.
// Precedence: inline, then local path, then remote URL. A configuration with
// no source yields a permissive empty schema.
func loadDatamodel(ctx context.Context, cfg SchemaConfig) ([]byte, error) {
	switch {
	case cfg.Inline != "":
		return []byte(cfg.Inline), nil
	case cfg.Path != "":
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, newEngineError(ErrorKindConfiguration, "cannot read datamodel file", err)
		}
		return data, nil
	case cfg.URL != "":
		return fetchRemoteDatamodel(ctx, cfg.URL)
	default:
		return nil, nil
	}
}

// buildSchemaContext loads and parses the datamodel for a connect cycle.
func buildSchemaContext(ctx context.Context, cfg SchemaConfig) (*SchemaContext, error) {
	doc, err := loadDatamodel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return emptySchemaContext(), nil
	}
	return NewSchemaContext(doc, cfg.Strict)
}

// fetchRemoteDatamodel retrieves a datamodel document from a remote location.
// Only s3:// URLs are supported; transient failures are retried with a short
// backoff before connect is failed.
func fetchRemoteDatamodel(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newEngineError(ErrorKindConfiguration, "invalid datamodel URL", err)
	}
	if u.Scheme != "s3" {
		return nil, newEngineError(ErrorKindConfiguration,
			fmt.Sprintf("unsupported datamodel URL scheme %q", u.Scheme), nil)
	}

	client, err := newS3Client(ctx, u)
	if err != nil {
		return nil, err
	}

	key := strings.TrimPrefix(u.Path, "/")

	var lastErr error
	for attempt := 0; attempt < schemaSourceRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(key),
		})
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(out.Body)
		_ = out.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}

	return nil, newEngineError(ErrorKindConfiguration, "cannot fetch remote datamodel", lastErr)
}

// newS3Client builds an S3 client for a datamodel URL. Region, endpoint and
// static credentials may be carried as query parameters; otherwise the
// ambient AWS configuration chain applies.
func newS3Client(ctx context.Context, u *url.URL) (*s3.Client, error) {
	q := u.Query()

	var opts []func(*awsconfig.LoadOptions) error
	if region := q.Get("region"); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if ak := q.Get("access_key_id"); ak != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, q.Get("secret_access_key"), ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, newEngineError(ErrorKindConfiguration, "cannot load AWS configuration", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := q.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
