// Package storage archives finished reports to an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nijaru/yt-audit/config"
	"github.com/nijaru/yt-audit/report"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Archiver struct {
	client objectAPI
	bucket string
	prefix string
}

// ArchivedReport is the object body written for each report.
type ArchivedReport struct {
	Report     *report.Report  `json:"report"`
	Transcript json.RawMessage `json:"transcript,omitempty"`
	ArchivedAt time.Time       `json:"archived_at"`
}

func NewArchiver(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load SDK config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logrus.WithFields(logrus.Fields{
		"bucket":   cfg.Bucket,
		"endpoint": cfg.Endpoint,
	}).Info("Report archive enabled")

	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key is the object key for a video URL: prefix/sha256(url).json.
func Key(prefix, videoURL string) string {
	sum := sha256.Sum256([]byte(videoURL))
	return path.Join(prefix, hex.EncodeToString(sum[:])+".json")
}

func (a *Archiver) Archive(ctx context.Context, r *report.Report, transcript json.RawMessage) error {
	data, err := json.Marshal(ArchivedReport{
		Report:     r,
		Transcript: transcript,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}

	key := Key(a.prefix, r.Video.URL)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to archive report to %s", key)
	}

	logrus.WithFields(logrus.Fields{
		"url": r.Video.URL,
		"key": key,
	}).Info("Report archived")
	return nil
}

func (a *Archiver) Fetch(ctx context.Context, videoURL string) (*ArchivedReport, error) {
	key := Key(a.prefix, videoURL)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read archived report %s", key)
	}
	defer out.Body.Close()

	var archived ArchivedReport
	if err := json.NewDecoder(out.Body).Decode(&archived); err != nil {
		return nil, errors.Wrap(err, "failed to decode archived report")
	}
	return &archived, nil
}
