package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/config"
)

// AttachmentStore keeps uploaded message files.
type AttachmentStore interface {
	// Upload stores data under path and returns the stored path.
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	PublicURL(path string) string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client        objectPutter
	bucket        string
	region        string
	publicBaseURL string
}

func NewS3Client(ctx context.Context, c *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.AWSRegion),
	}
	if c.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AWSAccessKeyID,
			c.AWSSecretAccessKey,
			"",
		)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %v", err)
	}

	return s3.NewFromConfig(cfg), nil
}

func NewS3Store(client *s3.Client, c *config.Config) *S3Store {
	return &S3Store{
		client:        client,
		bucket:        c.AWSBucket,
		region:        c.AWSRegion,
		publicBaseURL: strings.TrimSuffix(c.AWSPublicBaseURL, "/"),
	}
}

func (s *S3Store) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(data),
		ACL:    types.ObjectCannedACLPublicRead,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		storageLog.WithError(err).WithFields(logrus.Fields{
			"bucket": s.bucket,
			"key":    path,
		}).Error("failed to upload file to s3")
		return "", errors.Wrapf(err, "uploading %s", path)
	}
	return path, nil
}

func (s *S3Store) PublicURL(path string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + path
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, path)
}
