package config

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/xutingl/skyplane/pkg/models"
)

// LoadAWSConfig resolves AWS credentials in priority order:
// 1. Explicit credentials in the request
// 2. Environment variables
// 3. AWS credentials file / IAM role (SDK default chain)
func LoadAWSConfig(ctx context.Context, creds *models.Credentials) (aws.Config, error) {
	if creds != nil && creds.AccessKey != "" && creds.SecretKey != "" {
		return loadExplicit(ctx, creds)
	}
	if envCreds := loadFromEnvironment(); envCreds != nil {
		return loadExplicit(ctx, envCreds)
	}
	return loadDefaultChain(ctx, creds)
}

func loadExplicit(ctx context.Context, creds *models.Credentials) (aws.Config, error) {
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}
	provider := credentials.NewStaticCredentialsProvider(
		creds.AccessKey, creds.SecretKey, creds.SessionToken)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(provider),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	return cfg, nil
}

func loadFromEnvironment() *models.Credentials {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return nil
	}
	return &models.Credentials{
		AccessKey:    accessKey,
		SecretKey:    secretKey,
		SessionToken: os.Getenv("AWS_SESSION_TOKEN"),
		Region:       os.Getenv("AWS_REGION"),
		EndpointURL:  os.Getenv("S3_ENDPOINT_URL"),
	}
}

func loadDefaultChain(ctx context.Context, creds *models.Credentials) (aws.Config, error) {
	region := "us-east-1"
	if creds != nil && creds.Region != "" {
		region = creds.Region
	}
	if envRegion := os.Getenv("AWS_REGION"); envRegion != "" {
		region = envRegion
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load default credential chain: %w", err)
	}
	return cfg, nil
}

// NewS3Client builds an S3 client honoring custom endpoints for
// S3-compatible providers.
func NewS3Client(ctx context.Context, creds *models.Credentials) (*s3.Client, error) {
	cfg, err := LoadAWSConfig(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if creds != nil && creds.EndpointURL != "" {
			o.BaseEndpoint = aws.String(creds.EndpointURL)
			o.UsePathStyle = true
		}
	}), nil
}

// NewGCSService builds a Cloud Storage JSON API service from a service
// account key, falling back to application default credentials.
func NewGCSService(ctx context.Context, creds *models.Credentials) (*storage.Service, error) {
	if creds != nil && creds.ServiceAccountJSON != "" {
		jwtCfg, err := google.JWTConfigFromJSON(
			[]byte(creds.ServiceAccountJSON), storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse service account key: %w", err)
		}
		return storage.NewService(ctx, option.WithTokenSource(jwtCfg.TokenSource(ctx)))
	}
	svc, err := storage.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage service: %w", err)
	}
	return svc, nil
}
