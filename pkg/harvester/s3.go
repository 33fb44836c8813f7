// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store uploads artifacts to an S3 bucket with the ONEZONE_IA storage
// class: harvested PDFs are bulk archival data that can be re-fetched, so
// the cheap single-zone tier fits.
type S3Store struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Store builds an S3Store from the harvester configuration. Static
// credentials and a custom endpoint are honored when present; otherwise the
// default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		uploader: manager.NewUploader(client),
		bucket:   cfg.BucketName,
	}, nil
}

// Upload implements ObjectStore. The object key is the remote prefix plus
// the file's basename, e.g. "aa/bb/cc/dd/<id>.pdf".
func (s *S3Store) Upload(ctx context.Context, localPath, remotePrefix string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(remotePrefix + filepath.Base(localPath)),
		Body:         f,
		StorageClass: types.StorageClassOnezoneIa,
	})
	return err
}
