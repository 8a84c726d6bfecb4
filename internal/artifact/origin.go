package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Origin is the authoritative source of artifacts. Errors wrap
// errors.ErrOriginFetch.
type Origin interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

type S3Config struct {
	Endpoint  string `env:"ORIGIN_S3_ENDPOINT"`
	Bucket    string `env:"ORIGIN_S3_BUCKET"`
	Prefix    string `env:"ORIGIN_S3_PREFIX"`
	Region    string `env:"ORIGIN_S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ORIGIN_S3_ACCESS_KEY"`
	SecretKey string `env:"ORIGIN_S3_SECRET_KEY"`
	UseSSL    bool   `env:"ORIGIN_S3_USE_SSL" envDefault:"true"`
}

// S3Origin reads artifacts from an S3-compatible bucket.
type S3Origin struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Origin(cfg S3Config) (*S3Origin, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 origin: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 origin: %w", err)
	}
	return &S3Origin{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (o *S3Origin) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := path.Join(o.prefix, name)
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", pkgerrors.ErrOriginFetch, o.bucket, key, err)
	}
	// GetObject is lazy; Stat issues the request so a missing object fails here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", pkgerrors.ErrOriginFetch, o.bucket, key, err)
	}
	return obj, nil
}

// HTTPOrigin reads artifacts with GET <base>/<name>.
type HTTPOrigin struct {
	base   string
	client *http.Client
}

func NewHTTPOrigin(base string, client *http.Client) (*HTTPOrigin, error) {
	if _, err := url.Parse(base); err != nil || base == "" {
		return nil, fmt.Errorf("http origin: invalid base url %q", base)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOrigin{base: strings.TrimSuffix(base, "/"), client: client}, nil
}

func (o *HTTPOrigin) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	u := o.base + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrOriginFetch, err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrOriginFetch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: %s", pkgerrors.ErrOriginFetch, u, resp.Status)
	}
	return resp.Body, nil
}
