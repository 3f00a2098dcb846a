package aws_s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path"

	"github.com/IliaW/directory-scrape-worker/config"
	"github.com/IliaW/directory-scrape-worker/internal/model"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	jsoniter "github.com/json-iterator/go"
)

type BucketClient interface {
	WriteRecord(context.Context, *model.Record) string
}

type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3BucketClient struct {
	client ObjectPutter
	cfg    *config.S3Config
	log    *slog.Logger
}

func NewS3BucketClient(cfg *config.S3Config, log *slog.Logger) *S3BucketClient {
	log.Info("connecting to s3...")
	ctx := context.Background()

	s3Config, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithCredentialsProvider(crd.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, "")),
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithBaseEndpoint(cfg.AwsBaseEndpoint))
	if err != nil {
		log.Error("failed to load s3 config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// LocalStack does not support `virtual host addressing style` that uses s3 by default.
	// For test purposes use configuration with disabled 'virtual hosted bucket addressing'.
	var s3client *s3.Client
	if cfg.AwsAccessKey == "test" {
		log.Warn("test configuration for s3")
		s3client = s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	} else {
		s3client = s3.NewFromConfig(s3Config)
	}
	log.Info("connected to s3")

	return NewBucketClientWith(s3client, cfg, log)
}

func NewBucketClientWith(client ObjectPutter, cfg *config.S3Config, log *slog.Logger) *S3BucketClient {
	return &S3BucketClient{
		client: client,
		cfg:    cfg,
		log:    log,
	}
}

// WriteRecord archives the record as json and returns the object key, or "" on failure.
func (bc *S3BucketClient) WriteRecord(ctx context.Context, record *model.Record) string {
	s3Key := RecordKey(bc.cfg.KeyPrefix, record.SourceURL)
	body, err := jsoniter.Marshal(record)
	if err != nil {
		bc.log.Error("marshaling failed.", slog.String("err", err.Error()))
		return ""
	}

	contentType := "application/json"
	_, err = bc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bc.cfg.BucketName,
		Key:         &s3Key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		bc.log.Error("failed to save record to s3.", slog.String("key", s3Key), slog.String("err", err.Error()))
		return ""
	}
	bc.log.Debug("record saved to s3.", slog.String("key", s3Key))

	return s3Key
}

func RecordKey(prefix, sourceURL string) string {
	hash := sha256.Sum256([]byte(sourceURL))
	return path.Join(prefix, hex.EncodeToString(hash[:]), "record.json")
}
