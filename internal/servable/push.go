// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package servable

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/textmodels/internal/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Uploader uploads one object. It is implemented by manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// NewS3Uploader creates an uploader for the given S3 location. Credentials are static when an access key is given,
// otherwise the default AWS credentials chain is used.
func NewS3Uploader(ctx context.Context, opts config.S3) (*manager.Uploader, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(
				func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{URL: opts.Endpoint, SigningRegion: region}, nil
				},
			),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure S3 client")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	return manager.NewUploader(client), nil
}

// Push verifies the export in dir and uploads it to the bucket configured in opts, under its prefix.
// It returns the keys of the uploaded objects. The manifest is uploaded last.
func Push(ctx context.Context, dir string, opts config.S3) ([]string, error) {
	if !opts.Enabled() {
		return nil, errors.New("no S3 bucket configured")
	}
	uploader, err := NewS3Uploader(ctx, opts)
	if err != nil {
		return nil, err
	}
	return PushWith(ctx, uploader, dir, opts.Bucket, opts.Prefix)
}

// PushWith uploads the verified export in dir using the given uploader.
func PushWith(ctx context.Context, uploader Uploader, dir, bucket, prefix string) ([]string, error) {
	m, err := Verify(dir)
	if err != nil {
		return nil, err
	}
	descs := append(m.Descriptors(), Descriptor{Name: ManifestFile, MediaType: MediaTypeManifest})
	keys := make([]string, 0, len(descs))
	for _, desc := range descs {
		key := path.Join(prefix, desc.Name)
		if err := uploadFile(ctx, uploader, filepath.Join(dir, filepath.FromSlash(desc.Name)), bucket, key, desc.MediaType); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	klog.Infof("pushed %q to s3://%s/%s: %d files, %s", dir, bucket, prefix, len(keys), humanize.Bytes(uint64(m.TotalSize())))
	return keys, nil
}

func uploadFile(ctx context.Context, uploader Uploader, filePath, bucket, key, mediaType string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q for upload", filePath)
	}
	defer func() { _ = f.Close() }()
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(mediaType),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload %q to s3://%s/%s", filePath, bucket, key)
	}
	klog.V(1).Infof("uploaded s3://%s/%s", bucket, key)
	return nil
}
