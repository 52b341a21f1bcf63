package config

import (
	"context"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"
)

// LoadAWS builds the shared AWS configuration for the configured region.
func (c *Config) LoadAWS(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.AWS.Region))
	if err != nil {
		return aws.Config{}, &ConfigError{Type: ErrClient, Message: "failed to load AWS configuration", Err: err}
	}
	return awsCfg, nil
}

// S3Options returns client options for the array store buckets: LocalStack
// endpoints use path-style addressing, and public buckets are read
// unsigned.
func (c *Config) S3Options() []func(*s3.Options) {
	var opts []func(*s3.Options)
	if c.AWS.EndpointURL != "" {
		endpoint := c.AWS.EndpointURL
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	if c.Store.S3Anonymous {
		opts = append(opts, func(o *s3.Options) {
			o.Credentials = aws.AnonymousCredentials{}
		})
	}
	return opts
}

// NewGCSClient builds a Cloud Storage client. Without a credentials file
// requests are unauthenticated, which public CMIP6 buckets accept.
func (c *Config) NewGCSClient(ctx context.Context) (*storage.Client, error) {
	opt := option.WithoutAuthentication()
	if c.Store.GCSCredentialsFile != "" {
		opt = option.WithCredentialsFile(c.Store.GCSCredentialsFile)
	}
	client, err := storage.NewClient(ctx, opt)
	if err != nil {
		return nil, &ConfigError{Type: ErrClient, Message: "failed to create GCS client", Err: err}
	}
	return client, nil
}
