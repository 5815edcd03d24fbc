package provider

import (
	"context"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// S3Config holds S3 provider configuration.
type S3Config struct {
	Name            string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// Prefix is the object prefix template, e.g.
	// "{type}/{tile}/{year}/".
	Prefix string
	// Patterns maps asset type to an object-basename regexp template.
	Patterns map[string]string
}

// S3Provider locates assets by listing an object prefix in S3 (or any
// S3-compatible endpoint). Some drivers only publish object-store
// reference flavors here while the directly-downloadable flavor lives
// on FTP; the two orderings stay independent.
type S3Provider struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Provider creates an S3 provider adapter.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Provider{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		cfg:    cfg,
	}, nil
}

// Name returns the configured adapter name.
func (p *S3Provider) Name() string { return p.cfg.Name }

// Locate lists the expanded prefix and disambiguates by pattern.
func (p *S3Provider) Locate(ctx context.Context, assetType, tile string, date domain.Date) (*output.ProviderResult, error) {
	re, err := compilePattern(p.cfg.Patterns, assetType, tile, date)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	if re == nil {
		return nil, nil
	}

	prefix := expand(p.cfg.Prefix, assetType, tile, date)

	var keys []string
	byName := make(map[string]string)

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, p.wrap("locate", assetType, tile, date, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			keys = append(keys, name)
			byName[name] = key
		}
	}

	name, err := matchOne(keys, re)
	if err != nil {
		return nil, p.wrap("locate", assetType, tile, date, err)
	}
	if name == "" {
		return nil, nil
	}

	return &output.ProviderResult{Name: name, Locator: byName[name]}, nil
}

// Download retrieves an object key to dest.
func (p *S3Provider) Download(ctx context.Context, locator, dest string) error {
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(strings.TrimPrefix(locator, "/")),
	})
	if err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := writeToFile(resp.Body, dest); err != nil {
		return &domain.ProviderError{Provider: p.cfg.Name, Operation: "download", Key: locator, Err: err}
	}
	return nil
}

func (p *S3Provider) wrap(op, assetType, tile string, date domain.Date, err error) error {
	return &domain.ProviderError{
		Provider:  p.cfg.Name,
		Operation: op,
		Key:       assetType + "/" + tile + "/" + date.String(),
		Err:       err,
	}
}
