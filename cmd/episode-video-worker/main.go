package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"

	"github.com/livepeer/episode-video-worker/artifactstore"
	videoconfig "github.com/livepeer/episode-video-worker/config"
	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/metrics"
	"github.com/livepeer/episode-video-worker/pipeline"
	"github.com/livepeer/episode-video-worker/queue"
	"github.com/livepeer/episode-video-worker/repository"
	"github.com/livepeer/episode-video-worker/supervisor"
	"github.com/livepeer/episode-video-worker/taskprotection"
	"github.com/livepeer/episode-video-worker/transcoder"
)

// credentialValidationTimeout bounds how long startup will wait on the AWS
// SDK's default credential chain and the initial database ping before
// giving up, per spec.md §7's "Fatal" class: invalid credentials at
// startup abort the process with a non-zero exit code.
const credentialValidationTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.LogNoEpisodeID("fatal startup error", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cli, err := videoconfig.ParseCli(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}
	if cli.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required")
	}
	if cli.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required")
	}

	metrics.Metrics.Version.Inc()

	awsOpts := []func(*awsconfig.LoadOptions) error{}
	if caBundlePath := artifactstore.ResolveCABundle(cli.S3CABundle); caBundlePath != "" {
		caBundleFile, err := os.Open(caBundlePath)
		if err != nil {
			return fmt.Errorf("opening S3 CA bundle: %w", err)
		}
		defer caBundleFile.Close()
		awsOpts = append(awsOpts, awsconfig.WithCustomCABundle(caBundleFile))
	}

	ctx, cancel := context.WithTimeout(context.Background(), credentialValidationTimeout)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	cancel()
	if err != nil {
		return fmt.Errorf("loading AWS credentials: %w", err)
	}

	db, err := openDatabase(cli)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	repo := repository.New(repository.Config{
		DB:               db,
		BatchSize:        cli.DBUpdateBatchSize,
		MaxWriteAttempts: videoconfig.DefaultDBMaxWriteAttempts,
	})

	store := artifactstore.New(artifactstore.Config{
		Client:            s3.NewFromConfig(awsCfg),
		Bucket:            cli.S3Bucket,
		Region:            cli.S3Region,
		KeyPrefix:         cli.S3KeyPrefix,
		SinglePutMaxBytes: cli.S3SinglePutMaxBytes,
		UploadConcurrency: cli.MaxConcurrentUploads,
	})

	tc := transcoder.New(transcoder.Config{
		Store:                   store,
		Repo:                    repo,
		FFMpegPreset:            cli.FFMpegPreset,
		MaxConcurrentProcessing: cli.MaxConcurrentProcessing,
		MaxConcurrentUploads:    cli.MaxConcurrentUploads,
	})

	clusterName, taskARN, ecsActive := taskprotection.ResolveECSMetadata(context.Background())
	protectionCfg := taskprotection.Config{ClusterName: clusterName, TaskARN: taskARN}
	if ecsActive {
		protectionCfg.Client = ecs.NewFromConfig(awsCfg)
	}
	protection := taskprotection.New(protectionCfg)

	pipe := pipeline.New(pipeline.Config{
		Repo:       repo,
		Transcoder: tc,
		Protection: protection,
	})

	consumer := queue.New(queue.Config{
		Client:                   sqs.NewFromConfig(awsCfg),
		QueueURL:                 cli.SQSQueueURL,
		WaitTimeSeconds:          int32(cli.SQSWaitTimeSeconds),
		VisibilityTimeoutSeconds: int32(cli.SQSVisibilityTimeoutSeconds),
		FlagsVerifier:            pipe,
	})

	sup := supervisor.New(supervisor.Config{
		Consumer:            consumer,
		Handler:             pipe.ProcessMessage,
		Protection:          protection,
		DB:                  db,
		SpotEligible:        cli.SpotEligible,
		StrictBlockSIGTERM:  cli.StrictBlockSIGTERM,
		DrainTimeout:        cli.CriticalSessionDrainTimeout,
		SpotDrainTimeout:    cli.SpotDrainTimeout,
		HTTPInternalAddress: cli.HTTPInternalAddress,
		ProactiveProtection: cli.ECSProactiveProtection,
	})

	log.LogNoEpisodeID("episode-video-worker starting", "queue", cli.SQSQueueURL, "bucket", cli.S3Bucket)
	if err := sup.Run(context.Background()); err != nil {
		return fmt.Errorf("supervisor exited with error: %w", err)
	}
	log.LogNoEpisodeID("episode-video-worker exiting cleanly after voluntary shutdown")
	return nil
}

func openDatabase(cli videoconfig.Cli) (*sql.DB, error) {
	connString := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=require",
		cli.DBHost, cli.DBPort, cli.DBName, cli.DBUser, cli.DBPassword)
	db, err := repository.Open(connString, cli.DBMaxOpenConns, cli.DBMaxIdleConns)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), credentialValidationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}
