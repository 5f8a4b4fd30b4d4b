package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fotopipe/internal/entity"
)

// R2Client wraps the S3 client for Cloudflare R2
type R2Client struct {
	client     *s3.Client
	bucketName string
}

// NewR2Client creates a new R2 storage client
func NewR2Client() (*R2Client, error) {
	accountID := os.Getenv("R2_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("R2_SECRET_ACCESS_KEY")
	bucketName := os.Getenv("R2_BUCKET_NAME")

	if accountID == "" || accessKeyID == "" || secretAccessKey == "" || bucketName == "" {
		return nil, fmt.Errorf("missing R2 configuration environment variables")
	}

	// R2 endpoint format
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)

	// Create S3 client configured for R2
	client := s3.New(s3.Options{
		Region:       "auto",
		BaseEndpoint: aws.String(endpoint),
		Credentials:  credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	})

	return &R2Client{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// GetObject retrieves an object from R2
func (r *R2Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	return data, nil
}

// PutObjectRef uploads data and returns the ObjectRef the entity layer
// persists alongside the owning row (Image.file_ref, ColoringVersion.file_ref,
// SvgVersion.file_ref) — every C9 writer needs size/etag/sha256 alongside
// the key, not just a bare error.
func (r *R2Client) PutObjectRef(ctx context.Context, key string, data []byte, contentType, originalFilename string) (*entity.ObjectRef, error) {
	sum := sha256.Sum256(data)

	out, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put object: %w", err)
	}

	etag := ""
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}

	return &entity.ObjectRef{
		Key:              key,
		Bucket:           r.bucketName,
		ContentType:      contentType,
		Size:             int64(len(data)),
		ETag:             etag,
		SHA256:           hex.EncodeToString(sum[:]),
		OriginalFilename: originalFilename,
	}, nil
}
