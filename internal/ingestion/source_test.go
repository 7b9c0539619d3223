package ingestion

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string]string
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestReadFileOrURL(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string]string{"bucket/uploads/a.csv": "a\n1\n"}}

	data, err := ReadFileOrURL(ctx, "s3://bucket/uploads/a.csv", client)
	if err != nil || string(data) != "a\n1\n" {
		t.Fatalf("s3 read: %q err=%v", data, err)
	}
	if _, err := ReadFileOrURL(ctx, "s3://bucket/none.csv", client); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	if _, err := ReadFileOrURL(ctx, "s3://bucket/a.csv", nil); err == nil {
		t.Fatalf("expected error without s3 client")
	}

	path := filepath.Join(t.TempDir(), "local.csv")
	if err := os.WriteFile(path, []byte("x\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err = ReadFileOrURL(ctx, path, nil)
	if err != nil || string(data) != "x\n" {
		t.Fatalf("local read: %q err=%v", data, err)
	}
	if _, err := ReadFileOrURL(ctx, filepath.Join(t.TempDir(), "absent.csv"), nil); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound for missing file, got %v", err)
	}
}
