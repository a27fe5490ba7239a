package cli

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lab47/nbdc"
	"github.com/pkg/errors"
)

// s3Location is an object named by an s3://bucket/key url.
type s3Location struct {
	bucket string
	key    string
}

func parseS3URL(s string) (s3Location, bool) {
	rest, ok := strings.CutPrefix(s, "s3://")
	if !ok {
		return s3Location{}, false
	}

	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return s3Location{}, false
	}

	return s3Location{bucket: bucket, key: key}, true
}

func newS3Client(ctx context.Context, cfg *nbdc.S3Config) (*s3.Client, error) {
	if cfg == nil {
		return nil, errors.Wrap(nbdc.ErrInvalid, "s3 urls need an s3 block in the configuration")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, func(lo *config.LoadOptions) error {
		lo.Region = cfg.Region

		if cfg.AccessKey != "" {
			lo.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing S3 configuration")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true

		if cfg.URL != "" {
			o.BaseEndpoint = aws.String(cfg.URL)
		}
	}), nil
}

func openS3Object(ctx context.Context, sc *s3.Client, loc s3Location) (io.ReadCloser, error) {
	out, err := sc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.bucket),
		Key:    aws.String(loc.key),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "NoSuchKey" {
			return nil, errors.Errorf("s3://%s/%s does not exist", loc.bucket, loc.key)
		}

		return nil, err
	}

	return out.Body, nil
}

// s3Writer streams everything written to it into a single object upload.
type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func createS3Object(ctx context.Context, sc *s3.Client, loc s3Location) *s3Writer {
	pr, pw := io.Pipe()

	w := &s3Writer{
		pw:   pw,
		done: make(chan error, 1),
	}

	up := manager.NewUploader(sc)

	go func() {
		_, err := up.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(loc.bucket),
			Key:    aws.String(loc.key),
			Body:   pr,
		})

		pr.CloseWithError(err)
		w.done <- err
	}()

	return w
}

func (w *s3Writer) Write(b []byte) (int, error) {
	return w.pw.Write(b)
}

// Close finishes the upload and waits for it to land.
func (w *s3Writer) Close() error {
	w.pw.Close()
	return <-w.done
}
