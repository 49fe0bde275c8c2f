package diskimage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/weberc2/mono/stage2/pkg/types"
)

type ErrObjectNotFound struct {
	Bucket string
	Key    string
}

func (err *ErrObjectNotFound) Error() string {
	return fmt.Sprintf("object not found: s3://%s/%s", err.Bucket, err.Key)
}

func (err *ErrObjectNotFound) Is(target error) bool { return target == types.NotFoundErr }

// S3Source fetches and stores disk images in S3.
type S3Source struct {
	Client s3iface.S3API
}

func (s *S3Source) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	rsp, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err, ok := err.(awserr.Error); ok {
			if err.Code() == s3.ErrCodeNoSuchKey {
				return nil, &ErrObjectNotFound{bucket, key}
			}
		}
		return nil, fmt.Errorf("getting object `s3://%s/%s`: %w", bucket, key, err)
	}
	return rsp.Body, nil
}

func (s *S3Source) Put(ctx context.Context, bucket, key string, data io.ReadSeeker) error {
	if _, err := s.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   data,
	}); err != nil {
		return fmt.Errorf("putting object `s3://%s/%s`: %w", bucket, key, err)
	}
	return nil
}
