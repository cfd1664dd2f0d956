package sensorlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ColdStore keeps a secondary copy of sealed archives in S3-compatible
// object storage. Uploads happen at rotation time and deletions follow
// retention pruning; a cold store failure never fails the rotation itself.
type ColdStore struct {
	client  *s3.Client
	config  ColdStoreConfig
	retryer *Retryer
	breaker *CircuitBreaker
}

// NewColdStore creates a cold store client.
func NewColdStore(cfg ColdStoreConfig) (*ColdStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &ColdStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Store uploads one sealed archive.
func (cs *ColdStore) Store(ctx context.Context, name string, data []byte) error {
	key := cs.config.Prefix + name
	return cs.breaker.Execute(func() error {
		result := cs.retryer.Do(ctx, func() error {
			_, err := cs.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(cs.config.Bucket),
				Key:    aws.String(key),
				Body:   bytes.NewReader(data),
			})
			if err != nil {
				return fmt.Errorf("put object: %w", err)
			}
			return nil
		})
		return result.LastErr
	})
}

// Fetch downloads one archived segment.
func (cs *ColdStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	key := cs.config.Prefix + name
	val, result := cs.retryer.DoWithResult(ctx, func() (any, error) {
		resp, err := cs.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(cs.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get object: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return data, nil
	})
	if result.LastErr != nil {
		return nil, result.LastErr
	}
	return val.([]byte), nil
}

// Delete removes one archived segment.
func (cs *ColdStore) Delete(ctx context.Context, name string) error {
	key := cs.config.Prefix + name
	result := cs.retryer.Do(ctx, func() error {
		_, err := cs.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cs.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete object: %w", err)
		}
		return nil
	})
	return result.LastErr
}

// List returns the archive names under the configured prefix.
func (cs *ColdStore) List(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(cs.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(cs.config.Bucket),
		Prefix: aws.String(cs.config.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(*obj.Key, cs.config.Prefix))
		}
	}
	return names, nil
}
