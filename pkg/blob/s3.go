package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	sdks3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shardpost/mailcore/pkg/ids"
)

// S3Backend stores blob content in an S3-compatible object store, used
// for deployments that keep mail storage off the node's local disk.
type S3Backend struct {
	client *sdks3.Client
	bucket string
	prefix string
}

func NewS3Backend(client *sdks3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3Backend) key(id ids.BlobId) string {
	return fmt.Sprintf("%s%x", b.prefix, id.Hash)
}

func (b *S3Backend) Put(id ids.BlobId, data []byte) error {
	_, err := b.client.PutObject(context.Background(), &sdks3.PutObjectInput{
		Bucket: sdkaws.String(b.bucket),
		Key:    sdkaws.String(b.key(id)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (b *S3Backend) Get(id ids.BlobId) ([]byte, error) {
	out, err := b.client.GetObject(context.Background(), &sdks3.GetObjectInput{
		Bucket: sdkaws.String(b.bucket),
		Key:    sdkaws.String(b.key(id)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *S3Backend) GetRange(id ids.BlobId, start, end uint32) ([]byte, error) {
	out, err := b.client.GetObject(context.Background(), &sdks3.GetObjectInput{
		Bucket: sdkaws.String(b.bucket),
		Key:    sdkaws.String(b.key(id)),
		Range:  sdkaws.String(fmt.Sprintf("bytes=%d-%d", start, end-1)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *S3Backend) Delete(id ids.BlobId) error {
	_, err := b.client.DeleteObject(context.Background(), &sdks3.DeleteObjectInput{
		Bucket: sdkaws.String(b.bucket),
		Key:    sdkaws.String(b.key(id)),
	})
	return err
}
