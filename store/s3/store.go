// Package s3 implements the receipt store on Amazon S3 (or any S3-compatible
// object store such as MinIO or LocalStack). The result body and its cost go
// into a single PutObject with the receipt fields as object metadata, so the
// write is atomic: either the receipt exists with its cost, or it does not
// exist at all.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/receipt"
)

var _ receipt.Store = (*Store)(nil)

// Config holds the connection settings for the receipt bucket.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string // optional key prefix
}

// Store implements receipt.Store backed by S3 object metadata.
type Store struct {
	client *awss3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a receipt store, loading AWS credentials from the default
// chain.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("settle/s3: load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewFromClient(client, cfg.Bucket, cfg.Prefix, opts...), nil
}

// NewFromClient creates a receipt store from an existing S3 client.
func NewFromClient(client *awss3.Client, bucket, prefix string, opts ...Option) *Store {
	s := &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put writes the result body with the receipt embedded as object metadata.
func (s *Store) Put(ctx context.Context, r *receipt.Receipt, body []byte) error {
	if r.SHA256 == "" {
		r.SHA256 = receipt.DigestBody(body)
	}
	if r.UploadedAt.IsZero() {
		r.UploadedAt = time.Now().UTC()
	}

	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + r.Ref),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			receipt.MetaActualCostUSDMicros: strconv.FormatInt(r.ActualCostUSDMicros, 10),
			receipt.MetaRunID:               r.RunID.String(),
			receipt.MetaSHA256:              r.SHA256,
		},
	})
	if err != nil {
		return fmt.Errorf("settle/s3: put receipt: %w", err)
	}
	return nil
}

// Head reads the receipt back from object metadata without fetching the
// body.
func (s *Store) Head(ctx context.Context, ref string) (*receipt.Receipt, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + ref),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, settle.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("settle/s3: head receipt: %w", err)
	}

	costStr, ok := out.Metadata[receipt.MetaActualCostUSDMicros]
	if !ok {
		return nil, settle.ErrReceiptInvalid
	}
	cost, err := strconv.ParseInt(costStr, 10, 64)
	if err != nil {
		return nil, settle.ErrReceiptInvalid
	}

	r := &receipt.Receipt{
		Ref:                 ref,
		ActualCostUSDMicros: cost,
		SHA256:              out.Metadata[receipt.MetaSHA256],
	}
	if runIDStr, ok := out.Metadata[receipt.MetaRunID]; ok {
		runID, parseErr := id.ParseRunID(runIDStr)
		if parseErr != nil {
			return nil, settle.ErrReceiptInvalid
		}
		r.RunID = runID
	}
	if out.LastModified != nil {
		r.UploadedAt = *out.LastModified
	}
	return r, nil
}

// isNotFound reports whether err is a missing-object response. HeadObject
// surfaces 404 as types.NotFound; GetObject would surface NoSuchKey.
func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
