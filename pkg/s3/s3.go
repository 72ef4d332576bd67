package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"mailflow/pkg/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

const templateExt = ".tmpl"

// Client stores template overrides under <prefix>/<name>.tmpl.
type Client struct {
	s3Client s3iface.S3API
	bucket   string
	prefix   string
}

func NewClient(cfg *config.Config) (*Client, error) {
	if cfg.S3TemplateBucket == "" {
		return nil, fmt.Errorf("S3_TEMPLATE_BUCKET is not set")
	}

	awsConfig := &aws.Config{
		Region: aws.String(cfg.AWSRegion),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSAccessKeyID,
			cfg.AWSSecretAccessKey,
			"",
		),
	}

	// Support MinIO for local development
	if cfg.AWSEndpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.AWSEndpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
		if cfg.S3UseSSL == "false" {
			awsConfig.DisableSSL = aws.Bool(true)
		}
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewWithAPI(s3.New(sess), cfg.S3TemplateBucket, cfg.S3TemplatePrefix), nil
}

func NewWithAPI(api s3iface.S3API, bucket, prefix string) *Client {
	return &Client{
		s3Client: api,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

// EnsureBucket creates the bucket if it is missing (MinIO in development).
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3Client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err == nil {
		return nil
	}
	_, err = c.s3Client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(c.bucket),
	})
	var aerr awserr.Error
	if err != nil && errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou {
		return nil
	}
	return err
}

func (c *Client) key(name string) string {
	return path.Join(c.prefix, name+templateExt)
}

// Fetch implements templates.Store.
func (c *Client) Fetch(ctx context.Context, name string) ([]byte, bool, error) {
	out, err := c.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get %s from S3: %w", c.key(name), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", c.key(name), err)
	}
	return data, true, nil
}

func (c *Client) Upload(ctx context.Context, name string, source []byte) (string, error) {
	key := c.key(name)
	_, err := c.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(source),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload template to S3: %w", err)
	}
	return key, nil
}

func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete template from S3: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
