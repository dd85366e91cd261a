package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"invoice-agent/internal/clock"
)

// DefaultURLTTL is the lifetime of a presigned download link.
const DefaultURLTTL = 15 * time.Minute

type putAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Link is a time-limited download URL.
type Link struct {
	URL       string
	ExpiresAt time.Time
}

// Store writes private, server-side encrypted objects to one bucket and
// hands out presigned GET links for them.
type Store struct {
	api       putAPI
	presigner presignAPI
	bucket    string
	urlTTL    time.Duration
	clock     clock.Clock
}

type Option func(*Store)

func WithURLTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.urlTTL = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func New(api putAPI, presigner presignAPI, bucket string, opts ...Option) (*Store, error) {
	if api == nil || presigner == nil {
		return nil, errors.New("s3store: api and presigner must not be nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("s3store: bucket must not be empty")
	}
	s := &Store{api: api, presigner: presigner, bucket: bucket, urlTTL: DefaultURLTTL, clock: clock.System{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put uploads body under key.
func (s *Store) Put(ctx context.Context, key, contentType string, body []byte) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("s3store: key must not be empty")
	}
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentLength:        aws.Int64(int64(len(body))),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3store: put %q: %w", key, err)
	}
	return nil
}

// PresignGet returns a GET link for key valid for the configured TTL.
func (s *Store) PresignGet(ctx context.Context, key string) (Link, error) {
	now := s.clock.Now()
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		return Link{}, fmt.Errorf("s3store: presign %q: %w", key, err)
	}
	return Link{URL: req.URL, ExpiresAt: now.Add(s.urlTTL)}, nil
}
