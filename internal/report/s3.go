package report

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/evalflow/internal/plugin"
)

// S3Params configure S3Report. Credentials come from the default AWS chain.
type S3Params struct {
	plugin.BaseParams
	S3Bucket   string `json:"s3_bucket" validate:"required"`
	S3Prefix   string `json:"s3_prefix"`
	S3Region   string `json:"s3_region"`
	S3Endpoint string `json:"s3_endpoint"`
}

// objectPutter is the part of the S3 client the report uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads the report document to <bucket>/<prefix>/<unit>/report.json.
type S3 struct {
	params *S3Params
	client objectPutter
	logger *slog.Logger
}

func newS3(p any, env plugin.Env) (any, error) {
	return &S3{params: p.(*S3Params), logger: env.Logger}, nil
}

func (r *S3) connect(ctx context.Context) (objectPutter, error) {
	if r.client != nil {
		return r.client, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if r.params.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(r.params.S3Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	endpoint := r.params.S3Endpoint
	r.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return r.client, nil
}

// Key returns the object key of a unit's report.
func (r *S3) Key(unitID string) string {
	return path.Join(r.params.S3Prefix, unitID, DefaultOutputFile)
}

// Render implements plugin.Report.
func (r *S3) Render(ctx context.Context, in *plugin.ReportInput) error {
	data, err := NewDocument(in).JSON()
	if err != nil {
		return err
	}
	client, err := r.connect(ctx)
	if err != nil {
		return err
	}
	key := r.Key(in.UnitID)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.params.S3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload report to s3://%s/%s: %w", r.params.S3Bucket, key, err)
	}
	r.logger.Info("report uploaded", "unit", in.UnitID, "bucket", r.params.S3Bucket, "key", key)
	return nil
}
