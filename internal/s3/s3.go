package s3

import (
	"context"
	"fmt"
	"io"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	mc *minio.Client
}

func New(endpoint, accessKey, secretKey, region string, useSSL bool) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc}, nil
}

// Open streams an object. The returned encoding is the object's stored
// Content-Encoding, if any. GetObject is lazy, so Stat is called up front to
// surface missing objects before the caller starts decoding.
func (c *Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, string, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", err
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, "", fmt.Errorf("stat s3://%s/%s: %w", bucket, key, err)
	}
	return obj, info.Metadata.Get("Content-Encoding"), nil
}
