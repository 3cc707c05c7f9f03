// Package archive copies finished sample directories to S3 (or any
// S3-compatible store).
package archive

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/debug"
	"github.com/cjeanneret/RingScan/internal/stitch"
)

// Uploader puts every file of a sample directory under
// <prefix>/<sample dir name>/.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds an uploader from configuration. Without static keys the
// default AWS credential chain is used. An empty bucket returns nil, nil.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("archive: access_key_id and secret_access_key must be set together")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Uploader {
	return &Uploader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key is the object key of a file rel inside sample directory dir.
func (u *Uploader) Key(dir, rel string) string {
	return path.Join(u.prefix, filepath.Base(dir), filepath.ToSlash(rel))
}

// UploadDir uploads the regular files of dir, skipping dot files, and
// returns how many were sent.
func (u *Uploader) UploadDir(ctx context.Context, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := u.put(ctx, p, u.Key(dir, rel)); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("archive: %s: %w", filepath.Base(dir), err)
	}
	debug.Info("Archived %d files of %s to s3://%s/%s", n, filepath.Base(dir), u.bucket, u.Key(dir, ""))
	return n, nil
}

func (u *Uploader) put(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	}
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		in.ContentType = aws.String(ct)
	}
	debug.Verbose("archive: put %s", key)
	if _, err := u.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// AfterStitch returns a stitch.Observer continuation that archives the
// sample once its stitch step is over, whatever the stitch status.
func (u *Uploader) AfterStitch(ctx context.Context) func(dir string, r stitch.Result) {
	return func(dir string, _ stitch.Result) {
		if _, err := u.UploadDir(ctx, dir); err != nil {
			debug.Error(err)
		}
	}
}
