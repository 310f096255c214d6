package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/IliaW/note-crawler/config"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the part of the s3 client used for uploads.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3BucketClient stores downloaded note media.
type S3BucketClient struct {
	client objectPutter
	cfg    *config.S3Config
}

func NewS3BucketClient(cfg *config.Config) *S3BucketClient {
	slog.Info("connecting to s3...")

	c, err := connect(cfg)
	if err != nil {
		slog.Error("failed to connect to s3.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return &S3BucketClient{
		client: c,
		cfg:    cfg.S3Settings,
	}
}

// WriteMedia uploads body under {key_prefix}/{key} and returns the full object key.
func (bc *S3BucketClient) WriteMedia(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	s3Key := key
	if bc.cfg.KeyPrefix != "" {
		s3Key = fmt.Sprintf("%s/%s", bc.cfg.KeyPrefix, key)
	}
	input := &s3.PutObjectInput{
		Bucket: &bc.cfg.BucketName,
		Key:    &s3Key,
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = &contentType
	}

	if _, err := bc.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put %s: %w", s3Key, err)
	}
	slog.Debug("media saved to s3.", slog.String("key", s3Key), slog.Int("size", len(body)))

	return s3Key, nil
}

func connect(cfg *config.Config) (*s3.Client, error) {
	s3Config, err := awsCfg.LoadDefaultConfig(context.Background(), awsCfg.WithRegion(cfg.S3Settings.Region))
	if err != nil {
		slog.Error("failed to load s3 config.", slog.String("err", err.Error()))
		return nil, err
	}

	if cfg.Env == "local" {
		s3Config.BaseEndpoint = &cfg.S3Settings.AwsBaseEndpoint // for LocalStack
		s3Config.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
		// LocalStack only serves path-style bucket addressing.
		slog.Warn("test configuration for S3")
		return s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		}), nil
	}

	return s3.NewFromConfig(s3Config), nil
}
