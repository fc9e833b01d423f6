package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type putClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket        string
	Region        string
	Prefix        string
	PublicBaseURL string
}

// S3Store uploads objects to an S3 bucket.
type S3Store struct {
	mu     sync.Mutex
	client putClient
	cfg    S3Config
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	return NewS3StoreWithClient(cfg, nil)
}

// NewS3StoreWithClient uses client when non-nil; otherwise the AWS default
// credential chain is resolved on first upload.
func NewS3StoreWithClient(cfg S3Config, client putClient) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &S3Store{client: client, cfg: cfg}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	client, err := s.resolveClient(ctx)
	if err != nil {
		return "", err
	}

	objectKey := strings.TrimLeft(key, "/")
	if s.cfg.Prefix != "" {
		objectKey = strings.Trim(s.cfg.Prefix, "/") + "/" + objectKey
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("put s3://%s/%s: %s: %w", s.cfg.Bucket, objectKey, apiErr.ErrorCode(), err)
		}
		return "", fmt.Errorf("put s3://%s/%s: %w", s.cfg.Bucket, objectKey, err)
	}

	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL + "/" + objectKey, nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, objectKey), nil
}

func (s *S3Store) resolveClient(ctx context.Context) (putClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(awsCfg)
	return s.client, nil
}
