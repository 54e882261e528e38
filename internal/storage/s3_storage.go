package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/config"
)

// IReceiptArchive stores withdrawal receipts durably and hands out download
// links for them.
type IReceiptArchive interface {
	// ArchiveReceipt uploads a rendered receipt and returns its object key.
	ArchiveReceipt(ctx context.Context, withdrawalNumber string, body []byte, contentType string) (string, error)
	// GeneratePresignedGetURL creates a time-limited download URL for a
	// previously archived receipt.
	GeneratePresignedGetURL(ctx context.Context, objectKey string) (string, error)
}

// s3ReceiptArchive implements IReceiptArchive on an S3 bucket.
type s3ReceiptArchive struct {
	cfg           *config.Config
	s3Client      *s3.Client
	presignClient *s3.PresignClient
}

// NewReceiptArchive creates a new S3-backed receipt archive.
func NewReceiptArchive(cfg *config.Config) (IReceiptArchive, error) {
	awsCfg, err := aws_config.LoadDefaultConfig(context.TODO(),
		aws_config.WithRegion(cfg.AwsRegion),
		// Use static credentials from config for simplicity
		// For production, prefer IAM roles or other secure credential methods
		aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AwsAccessKeyID,
			cfg.AwsSecretAccessKey,
			"", // session token
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	presignClient := s3.NewPresignClient(s3Client)

	return &s3ReceiptArchive{
		cfg:           cfg,
		s3Client:      s3Client,
		presignClient: presignClient,
	}, nil
}

// ArchiveReceipt uploads the receipt under a key that stays unique even if
// the same withdrawal is re-archived.
func (s *s3ReceiptArchive) ArchiveReceipt(ctx context.Context, withdrawalNumber string, body []byte, contentType string) (string, error) {
	objectKey := fmt.Sprintf("receipts/%d/%s_%s", time.Now().UTC().Year(), withdrawalNumber, uuid.NewString())

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.AwsS3Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload receipt %s: %w", objectKey, err)
	}
	return objectKey, nil
}

func (s *s3ReceiptArchive) GeneratePresignedGetURL(ctx context.Context, objectKey string) (string, error) {
	expiration := 15 * time.Minute
	presignedReq, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.AwsS3Bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(expiration))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned GET URL for key %s: %w", objectKey, err)
	}
	return presignedReq.URL, nil
}
