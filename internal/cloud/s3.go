package cloud

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes history documents into one bucket.
type S3Archive struct {
	svc    s3API
	bucket string
}

func NewS3Archive(cfg aws.Config, bucket string) *S3Archive {
	return &S3Archive{svc: s3.NewFromConfig(cfg), bucket: bucket}
}

// Put stores a JSON document under key.
func (a *S3Archive) Put(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"uploaded-at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if _, err := a.svc.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return nil
}
