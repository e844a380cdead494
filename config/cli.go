package config

import (
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/peterbourgon/ff/v3"
)

// Cli holds every environment-configurable knob named in spec.md §6, bound
// via flag defaults overridden by environment variables (the same pattern
// catalyst-api's main.go uses with peterbourgon/ff).
type Cli struct {
	SQSQueueURL string
	SQSDLQURL   string

	SQSWaitTimeSeconds          int
	SQSVisibilityTimeoutSeconds int

	MaxConcurrentProcessing int
	MaxConcurrentUploads    int

	FFMpegPreset string

	DBHost            string
	DBPort            int
	DBName            string
	DBUser            string
	DBPassword        string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBUpdateBatchSize int

	ECSProactiveProtection bool
	StrictBlockSIGTERM     bool
	SpotEligible           bool

	CriticalSessionDrainTimeout time.Duration
	SpotDrainTimeout            time.Duration

	S3SinglePutMaxBytes int64
	S3Bucket            string
	S3Region            string
	S3KeyPrefix         string
	S3CABundle          string

	HTTPInternalAddress string
}

// ParseCli parses os.Args/the environment into a Cli, applying the defaults
// spec.md §6 specifies. Flag names are kebab-case; ff.WithEnvVarNoPrefix
// upper-snake-cases them to resolve the matching environment variable, so
// -sqs-wait-time-seconds binds to SQS_WAIT_TIME_SECONDS.
func ParseCli(args []string) (Cli, error) {
	cli := Cli{}
	fs := flag.NewFlagSet("episode-video-worker", flag.ContinueOnError)

	fs.StringVar(&cli.SQSQueueURL, "sqs-queue-url", "", "URL of the SQS queue to consume episode-processing jobs from")
	fs.StringVar(&cli.SQSDLQURL, "sqs-dlq-url", "", "URL of the SQS dead-letter queue")
	fs.IntVar(&cli.SQSWaitTimeSeconds, "sqs-wait-time-seconds", DefaultSQSWaitTimeSeconds, "Long-poll wait time in seconds")
	fs.IntVar(&cli.SQSVisibilityTimeoutSeconds, "sqs-visibility-timeout-seconds", DefaultSQSVisibilityTimeoutSeconds, "Initial visibility lease in seconds")

	fs.IntVar(&cli.MaxConcurrentProcessing, "max-concurrent-processing", defaultMaxConcurrentProcessing(), "Artifact worker pool size")
	fs.IntVar(&cli.MaxConcurrentUploads, "max-concurrent-uploads", 0, "Upload worker pool size (0 = derive from max-concurrent-processing)")

	fs.StringVar(&cli.FFMpegPreset, "ffmpeg-preset", "veryfast", "x264 preset passed to ffmpeg")

	fs.StringVar(&cli.DBHost, "db-host", "localhost", "Postgres host")
	fs.IntVar(&cli.DBPort, "db-port", 5432, "Postgres port")
	fs.StringVar(&cli.DBName, "db-name", "", "Postgres database name")
	fs.StringVar(&cli.DBUser, "db-user", "", "Postgres user")
	fs.StringVar(&cli.DBPassword, "db-password", "", "Postgres password")
	fs.IntVar(&cli.DBMaxOpenConns, "db-max-open-conns", 10, "Maximum open connections in the Postgres pool")
	fs.IntVar(&cli.DBMaxIdleConns, "db-max-idle-conns", 10, "Maximum idle connections in the Postgres pool")
	fs.IntVar(&cli.DBUpdateBatchSize, "db-update-batch-size", DefaultDBUpdateBatchSize, "Number of rows per batch-update chunk")

	fs.BoolVar(&cli.ECSProactiveProtection, "ecs-proactive-protection", true, "Add a baseline task-protection token on startup")
	fs.BoolVar(&cli.StrictBlockSIGTERM, "strict-block-sigterm", false, "If true and not spot-eligible, ignore SIGTERM instead of draining")
	fs.BoolVar(&cli.SpotEligible, "spot-eligible", false, "Whether this task can run on spot-style capacity; SIGTERM always drains in this mode")

	fs.DurationVar(&cli.CriticalSessionDrainTimeout, "critical-session-drain-timeout", DefaultDrainTimeout, "Drain watchdog deadline")
	fs.DurationVar(&cli.SpotDrainTimeout, "spot-drain-timeout", DefaultSpotDrainTimeout, "Drain watchdog deadline under spot pressure")

	fs.Int64Var(&cli.S3SinglePutMaxBytes, "s3-single-put-max-bytes", DefaultSinglePutMaxBytes, "Threshold above which uploads use the multipart manager")
	fs.StringVar(&cli.S3Bucket, "s3-bucket", "", "Object store bucket artifacts are published to")
	fs.StringVar(&cli.S3Region, "s3-region", "us-east-1", "Object store region")
	fs.StringVar(&cli.S3KeyPrefix, "s3-key-prefix", "", "Optional key prefix prepended to every uploaded artifact")
	fs.StringVar(&cli.S3CABundle, "s3-ca-bundle", "", "Optional path to a custom CA bundle for the S3 client; ignored if the file does not exist")

	fs.StringVar(&cli.HTTPInternalAddress, "http-internal-addr", "127.0.0.1:7979", "Address to bind for the internal /healthz and /metrics endpoints")

	if err := ff.Parse(fs, args, ff.WithEnvVarNoPrefix()); err != nil {
		return Cli{}, fmt.Errorf("parsing configuration: %w", err)
	}

	if cli.MaxConcurrentUploads == 0 {
		cli.MaxConcurrentUploads = clamp(cli.MaxConcurrentProcessing*2, DefaultMinUploadConcurrency, DefaultMaxUploadConcurrency)
	}

	return cli, nil
}

func defaultMaxConcurrentProcessing() int {
	n := (runtime.NumCPU() + 1) / 2
	if n < 2 {
		return 2
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
