package incident

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/davidahmann/sentinel/internal/crypto"
)

const (
	maxFileNameLen = 120
	// digest of the full id appended to truncated names
	fileNameHashLen = 16
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SafeFileName maps an identifier to a filesystem and object-key safe name.
// Names over the length limit keep their head and end in a digest of the
// whole id, so distinct long ids never share a file.
func SafeFileName(id string) string {
	name := unsafeChars.ReplaceAllString(id, "_")
	if name == "" {
		name = "_"
	}
	if len(name) > maxFileNameLen {
		head := maxFileNameLen - fileNameHashLen - 1
		name = name[:head] + "-" + crypto.DigestHex([]byte(id))[:fileNameHashLen]
	}
	return name
}

// Sink stores a rendered bundle and returns where it was written.
type Sink interface {
	Write(ctx context.Context, id string, data []byte) (string, error)
}

type FileSink struct {
	Dir string
}

func (s FileSink) Write(_ context.Context, id string, data []byte) (string, error) {
	if s.Dir == "" {
		return "", fmt.Errorf("incident dir not configured")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.Dir, SafeFileName(id)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// PutObjectAPI is the part of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Sink struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
}

type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{Client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

func (s *S3Sink) Key(id string) string {
	prefix := strings.Trim(s.Prefix, "/")
	name := SafeFileName(id) + ".json"
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (s *S3Sink) Write(ctx context.Context, id string, data []byte) (string, error) {
	key := s.Key(id)
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return "s3://" + s.Bucket + "/" + key, nil
}
