package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/keyhole-koro/politopics-ingest/internal/config"
	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
	"github.com/keyhole-koro/politopics-ingest/internal/ingest"
	"github.com/keyhole-koro/politopics-ingest/internal/notify"
	"github.com/keyhole-koro/politopics-ingest/internal/objectstore"
	"github.com/keyhole-koro/politopics-ingest/internal/queue"
	"github.com/keyhole-koro/politopics-ingest/internal/store"
	"github.com/keyhole-koro/politopics-ingest/internal/task"
	"github.com/keyhole-koro/politopics-ingest/internal/tokens"
)

// responseCacheSize bounds the in-memory upstream page cache.
const responseCacheSize = 256

// buildService assembles the full ingestion pipeline from configuration.
func buildService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*ingest.Service, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		}
	})
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			o.UsePathStyle = true
		}
	})
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
		}
	})

	notifier := notify.New(cfg.ErrorWebhook, cfg.WarnWebhook, cfg.BatchWebhook, logger)

	cache, err := dietapi.NewLRUResponseCache(responseCacheSize, cfg.ResponseCacheDir)
	if err != nil {
		return nil, fmt.Errorf("init response cache: %w", err)
	}
	normalizer := dietapi.NewNormalizer(logger, notifier)
	client := dietapi.NewClient(cfg.DietAPIEndpoint, normalizer, cache, logger)
	fetcher := dietapi.NewRangeFetcher(client, logger)

	counter, err := tokens.NewTiktokenCounter(cfg.TokenEncoding)
	if err != nil {
		return nil, fmt.Errorf("init token counter: %w", err)
	}

	objStore := objectstore.NewS3Store(s3Client, cfg.PromptBucket)
	builder := task.NewBuilder(objStore, cfg.IngestionMode, logger)
	tasks := store.NewTaskStore(dynamoClient, cfg.TaskTable, logger)
	publisher := queue.NewPublisher(sqsClient, cfg.PromptQueueURL, logger)

	return ingest.NewService(cfg, fetcher, counter, builder, tasks, publisher, notifier, logger), nil
}

func loadAWSConfig(ctx context.Context, cfg config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	// Static credentials are only set for localstack-style runs; real
	// deployments rely on the default chain.
	if cfg.AWSAccessKey != "" && cfg.AWSSecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKey, cfg.AWSSecretKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
