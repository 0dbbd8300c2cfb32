package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"docdb-transfer/internal/config"
)

// S3Clients caches one client per connection and bucket region.
type S3Clients struct {
	log   logrus.FieldLogger
	cache sync.Map
}

func NewS3Clients(log logrus.FieldLogger) *S3Clients {
	return &S3Clients{log: log}
}

// GetBucketRegion asks S3 where a bucket lives.
func GetBucketRegion(ctx context.Context, baseClient *s3.Client, bucket string) (string, error) {
	output, err := baseClient.GetBucketLocation(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get bucket location: %w", err)
	}

	// an empty constraint means us-east-1
	region := string(output.LocationConstraint)
	if region == "" {
		region = "us-east-1"
	}
	if region == "EU" {
		region = "eu-west-1"
	}
	return region, nil
}

// ClientFor returns a client for the connection's bucket in the bucket's
// actual region. Requests against the wrong region fail with 301.
func (c *S3Clients) ClientFor(ctx context.Context, conn config.Connection) (*s3.Client, error) {
	region := conn.Region
	if conn.Endpoint == "" {
		base, err := newS3Client(ctx, conn, conn.Region)
		if err != nil {
			return nil, err
		}
		detected, err := GetBucketRegion(ctx, base, conn.Bucket)
		if err != nil {
			c.log.Warnf("Could not detect region for bucket %s, using configured %q: %v", conn.Bucket, conn.Region, err)
		} else {
			region = detected
		}
	}

	cacheKey := fmt.Sprintf("%s-%s", conn.ID, region)
	if val, ok := c.cache.Load(cacheKey); ok {
		return val.(*s3.Client), nil
	}

	c.log.Infof("Creating S3 client for bucket '%s' in region '%s'", conn.Bucket, region)
	client, err := newS3Client(ctx, conn, region)
	if err != nil {
		return nil, err
	}
	actual, _ := c.cache.LoadOrStore(cacheKey, client)
	return actual.(*s3.Client), nil
}

func newS3Client(ctx context.Context, conn config.Connection, region string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if conn.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conn.AccessKey, conn.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for %s: %w", conn.ID, err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if conn.Endpoint != "" {
			o.BaseEndpoint = aws.String(conn.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
