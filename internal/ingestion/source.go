package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// ErrSourceNotFound is returned when a local file or S3 object is missing.
var ErrSourceNotFound = errors.New("file or url not found")

// ReadFileOrURL reads a local path or an s3://bucket/key object.
func ReadFileOrURL(ctx context.Context, name string, s3client s3iface.S3API) ([]byte, error) {
	if !strings.HasPrefix(name, "s3://") {
		content, err := os.ReadFile(name)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrSourceNotFound
			}
			return nil, fmt.Errorf("failed to read file %s: %w", name, err)
		}
		return content, nil
	}

	if s3client == nil {
		return nil, errors.New("missing s3 client")
	}
	u, err := url.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse S3 URL %s: %w", name, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("S3 URL %s must name a bucket and key", name)
	}

	result, err := s3client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey:
				return nil, ErrSourceNotFound
			}
		}
		return nil, fmt.Errorf("failed to fetch S3 object %s: %w", name, err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
