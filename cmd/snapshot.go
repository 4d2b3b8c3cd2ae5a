package cmd

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // MD5 is the S3 Content-MD5 integrity header, not cryptography
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/airframesio/table-archiver/cmd/archive"
	"github.com/airframesio/table-archiver/cmd/compressors"
	"github.com/airframesio/table-archiver/cmd/formatters"
)

// multipartThreshold is the object size above which the s3manager uploader is used
const multipartThreshold = 100 * 1024 * 1024

var (
	ErrS3ClientNotInitialized   = errors.New("S3 client not initialized")
	ErrS3UploaderNotInitialized = errors.New("S3 uploader not initialized")
)

var compressedContentTypes = map[string]string{
	"zstd": "application/zstd",
	"gzip": "application/gzip",
	"lz4":  "application/x-lz4",
}

// S3SnapshotSink uploads each batch of deleted rows as one object before the
// batch's delete commits.
type S3SnapshotSink struct {
	client      s3iface.S3API
	uploader    s3manageriface.UploaderAPI
	bucket      string
	template    *PathTemplate
	format      string
	formatter   formatters.Formatter
	compressor  compressors.Compressor
	compression string
	level       int
	logger      *slog.Logger
	now         func() time.Time
}

// newS3Session builds the AWS session for an S3-compatible endpoint
func newS3Session(cfg S3Config) (*session.Session, error) {
	region := cfg.Region
	if region == "" {
		region = regionAuto
	}
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return sess, nil
}

// NewS3SnapshotSink creates a sink from the export configuration
func NewS3SnapshotSink(cfg ExportConfig, logger *slog.Logger) (*S3SnapshotSink, error) {
	sess, err := newS3Session(cfg.S3)
	if err != nil {
		return nil, err
	}
	return newSnapshotSink(cfg, s3.New(sess), s3manager.NewUploader(sess), logger)
}

func newSnapshotSink(cfg ExportConfig, client s3iface.S3API, uploader s3manageriface.UploaderAPI, logger *slog.Logger) (*S3SnapshotSink, error) {
	formatter, err := formatters.GetFormatter(cfg.Format, cfg.Compression)
	if err != nil {
		return nil, err
	}

	// Parquet compresses its pages internally
	compression := cfg.Compression
	if formatters.UsesInternalCompression(cfg.Format) {
		compression = "none"
	}
	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}

	return &S3SnapshotSink{
		client:      client,
		uploader:    uploader,
		bucket:      cfg.S3.Bucket,
		template:    NewPathTemplate(cfg.S3.PathTemplate),
		format:      cfg.Format,
		formatter:   formatter,
		compressor:  compressor,
		compression: compression,
		level:       cfg.CompressionLevel,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Put encodes the snapshot and uploads it. Any error rolls the batch back.
func (s *S3SnapshotSink) Put(ctx context.Context, snap archive.Snapshot) error {
	var buf bytes.Buffer
	if err := s.encode(&buf, snap); err != nil {
		return err
	}

	filename := GenerateSnapshotFilename(snap.Table, snap.FirstKey, snap.LastKey,
		s.formatter.Extension(), s.compressor.Extension())
	key := SnapshotObjectKey(s.template, snap.Table, s.now().UTC(), filename)

	contentType := s.formatter.MIMEType()
	if ct, ok := compressedContentTypes[s.compression]; ok {
		contentType = ct
	}

	if err := s.upload(ctx, key, buf.Bytes(), contentType); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}
	s.logger.Debug(fmt.Sprintf("  ☁️  %s batch %d: %d rows exported to s3://%s/%s",
		snap.Table, snap.Batch, len(snap.Rows), s.bucket, key))
	return nil
}

func (s *S3SnapshotSink) encode(w io.Writer, snap archive.Snapshot) error {
	cw, err := s.compressor.NewWriter(w, s.level)
	if err != nil {
		return err
	}

	columns := make([]formatters.Column, len(snap.Columns))
	for i, col := range snap.Columns {
		columns[i] = formatters.Column{Name: col.Name, Type: col.Type, Unsigned: col.IsUnsigned()}
	}

	sw, err := s.formatter.NewWriter(cw, columns)
	if err != nil {
		_ = cw.Close()
		return err
	}
	if err := sw.WriteChunk(snap.Rows); err != nil {
		_ = sw.Close()
		_ = cw.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := sw.Close(); err != nil {
		_ = cw.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	return nil
}

func (s *S3SnapshotSink) upload(ctx context.Context, key string, data []byte, contentType string) error {
	s.logger.Debug(fmt.Sprintf("  ☁️  Uploading to s3://%s/%s (size: %d bytes)", s.bucket, key, len(data)))

	// Use multipart upload for files larger than 100MB
	if len(data) > multipartThreshold {
		if s.uploader == nil {
			return ErrS3UploaderNotInitialized
		}
		_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		return err
	}

	if s.client == nil {
		return ErrS3ClientNotInitialized
	}

	sum := md5.Sum(data) //nolint:gosec // integrity header
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ContentMD5:  aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	return err
}
