package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"ckanloader/config"
)

// S3Source reads input archives from an AWS S3 bucket. Listing walks the
// configured prefix, fetching downloads an object into a temporary local file,
// and the archival move copies the object under the processed prefix and
// deletes the original.
type S3Source struct {
	client          *s3.Client
	bucket          string
	prefix          string
	processedPrefix string
}

// NewS3Source builds the S3 client from the application configuration.
// Static credentials from the configuration take precedence; otherwise the
// SDK's default chain (environment, shared config, instance role) applies.
func NewS3Source(ctx context.Context, conf *config.Config) (*S3Source, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(conf.S3Region)}
	if conf.S3AccessKey != "" && conf.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.S3AccessKey, conf.S3SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewS3Source(): failed to load the AWS configuration: %w", err)
	}
	return &S3Source{
		client:          s3.NewFromConfig(cfg),
		bucket:          conf.S3Bucket,
		prefix:          normalizePrefix(conf.S3Prefix),
		processedPrefix: normalizePrefix(conf.S3ProcessedPrefix),
	}, nil
}

// normalizePrefix makes sure a non-empty prefix ends with a single "/".
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (s *S3Source) ListArchives() ([]string, error) {
	var archives []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &s.prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.TODO())
		if err != nil {
			return nil, fmt.Errorf("error listing bucket '%s': %w", s.bucket, err)
		}
		for _, object := range page.Contents {
			if object.Key == nil {
				continue
			}
			key := *object.Key
			if !strings.HasSuffix(strings.ToLower(key), config.ArchiveExtension) {
				continue
			}
			relative := strings.TrimPrefix(key, s.prefix)
			if relative == "" || strings.HasSuffix(relative, "/") {
				continue
			}
			archives = append(archives, relative)
		}
	}
	sort.Strings(archives)
	return archives, nil
}

// Fetch downloads the object into a temporary local file. The caller owns the
// temporary file and must release it through Dispose.
func (s *S3Source) Fetch(relativePath string) (FileInfo, error) {
	key := s.prefix + relativePath
	output, err := s.client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return FileInfo{}, fmt.Errorf("Fetch(): failed to get object '%s': %w", key, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			log.Error("Fetch(): failed to close the object body", zap.String("key", key), zap.Error(err))
		}
	}(output.Body)

	tmp, err := os.CreateTemp("", "s3archive_*"+config.ArchiveExtension)
	if err != nil {
		return FileInfo{}, fmt.Errorf("Fetch(): failed to create a temporary file: %w", err)
	}
	size, err := io.Copy(tmp, output.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return FileInfo{}, fmt.Errorf("Fetch(): failed to download object '%s': %w", key, err)
	}
	log.Debug("Downloaded archive from S3", zap.String("key", key), zap.Int64("size", size))
	return FileInfo{RelativePath: relativePath, LocalPath: tmp.Name(), Size: size, Temp: true}, nil
}

// MoveToProcessed copies the object under the processed prefix and deletes the
// original - S3 has no rename. An existing processed object of the same name is
// never overwritten; the copy gets a millisecond timestamp suffix instead.
func (s *S3Source) MoveToProcessed(relativePath string) (string, error) {
	if s.processedPrefix == "" {
		return "", fmt.Errorf("MoveToProcessed(): no processed prefix configured")
	}
	sourceKey := s.prefix + relativePath
	destKey := s.processedPrefix + relativePath

	if s.objectExists(destKey) {
		ext := path.Ext(relativePath)
		destKey = fmt.Sprintf("%s%s_%d%s", s.processedPrefix,
			strings.TrimSuffix(relativePath, ext), time.Now().UnixMilli(), ext)
		log.Warn("Object already exists under the processed prefix, renaming",
			zap.String("key", sourceKey), zap.String("newKey", destKey))
	}

	copySource := url.PathEscape(s.bucket + "/" + sourceKey)
	if _, err := s.client.CopyObject(context.TODO(), &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		CopySource: &copySource,
		Key:        &destKey,
	}); err != nil {
		return "", fmt.Errorf("MoveToProcessed(): failed to copy '%s' to '%s': %w", sourceKey, destKey, err)
	}
	if _, err := s.client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &sourceKey,
	}); err != nil {
		return "", fmt.Errorf("MoveToProcessed(): copied but failed to delete the original '%s': %w", sourceKey, err)
	}
	return destKey, nil
}

// objectExists checks for an object with a HEAD request; any API error counts as absent.
func (s *S3Source) objectExists(key string) bool {
	_, err := s.client.HeadObject(context.TODO(), &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		log.Debug("HeadObject failed, treating the object as absent",
			zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *S3Source) Dispose(file FileInfo) {
	if file.Temp {
		err := os.Remove(file.LocalPath) // Delete the file
		if err != nil {
			log.Error("Failed to delete file: %v", zap.Error(err))
		}
	}
}
