package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Location is a bucket plus key prefix parsed from an s3:// URL.
type S3Location struct {
	Bucket string
	Prefix string
}

func (l S3Location) String() string {
	if l.Prefix == "" {
		return "s3://" + l.Bucket
	}
	return "s3://" + l.Bucket + "/" + l.Prefix
}

// Key returns the object key for a slash-separated path below the prefix.
func (l S3Location) Key(rel string) string {
	if l.Prefix == "" {
		return rel
	}
	return l.Prefix + "/" + rel
}

// Join returns a location below l.
func (l S3Location) Join(elem ...string) S3Location {
	return S3Location{Bucket: l.Bucket, Prefix: strings.Trim(path.Join(append([]string{l.Prefix}, elem...)...), "/")}
}

// ParseS3URL parses dest as s3://bucket[/prefix]. ok is false, with a nil
// error, when dest is not an s3:// URL at all.
func ParseS3URL(dest string) (loc S3Location, ok bool, err error) {
	rest, found := strings.CutPrefix(dest, "s3://")
	if !found {
		return S3Location{}, false, nil
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return S3Location{}, true, fmt.Errorf("s3 destination %q has no bucket", dest)
	}
	return S3Location{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, true, nil
}

// objectPutter is the subset of *s3.Client used for uploads.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes collected artifacts to an S3-compatible bucket.
type S3Uploader struct {
	client objectPutter
}

// NewS3Uploader creates an uploader using the default AWS credential chain.
// If endpoint is non-empty, path-style addressing is enabled (for MinIO and
// similar).
func NewS3Uploader(ctx context.Context, region, endpoint string) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg, s3opts...)}, nil
}

// UploadDir uploads every regular file below dir to loc, keyed by its path
// relative to dir, and returns the number of objects written.
func (u *S3Uploader) UploadDir(ctx context.Context, dir string, loc S3Location) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := u.put(ctx, p, loc.Bucket, loc.Key(filepath.ToSlash(rel))); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("uploading %s to %s: %w", dir, loc, err)
	}
	return n, nil
}

func (u *S3Uploader) put(ctx context.Context, file, bucket, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}
