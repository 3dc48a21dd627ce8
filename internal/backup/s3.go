package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"siteops/internal/config"
	"siteops/internal/faults"
)

// S3Store keeps offsite copies in an S3-compatible bucket under Prefix.
type S3Store struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3Store returns a store for the configured bucket. A custom endpoint
// switches to path-style addressing for S3-compatible servers.
func NewS3Store(cfg config.OffsiteConfig) *S3Store {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &S3Store{
		Client: s3.New(opts),
		Bucket: cfg.Bucket,
		Prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *S3Store) key(name string) string {
	if s.Prefix == "" {
		return name
	}
	return s.Prefix + "/" + name
}

// Upload stores the file at localPath as name and returns its object key.
func (s *S3Store) Upload(ctx context.Context, name, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	key := s.key(name)
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.Bucket, key, err)
	}
	return key, nil
}

// List returns the object names under Prefix, without the prefix.
func (s *S3Store) List(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.Bucket)}
	if s.Prefix != "" {
		input.Prefix = aws.String(s.Prefix + "/")
	}

	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, faults.New(faults.ErrTransfer, "list offsite backups", err)
		}
		for _, obj := range page.Contents {
			names = append(names, path.Base(aws.ToString(obj.Key)))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the object stored as name.
func (s *S3Store) Delete(ctx context.Context, name string) error {
	key := s.key(name)
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return faults.New(faults.ErrTransfer, "delete offsite backup", fmt.Errorf("s3://%s/%s: %w", s.Bucket, key, err))
	}
	return nil
}
