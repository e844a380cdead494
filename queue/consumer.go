// Package queue long-polls the message queue, hands each validated message
// to a caller-supplied handler, extends the message's visibility lease
// while the handler runs, and routes the handler's outcome to delete,
// requeue, or leave-for-redelivery, per spec.md §4.2.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/livepeer/episode-video-worker/cache"
	"github.com/livepeer/episode-video-worker/config"
	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/metrics"
	"github.com/livepeer/episode-video-worker/models"
)

// Outcome is the handler's verdict on one message (spec.md §4.2 "Handler
// contract"). It replaces the source's exception-for-control-flow with an
// explicit sum type, per spec.md §9.
type Outcome int

const (
	Success Outcome = iota
	NotReady
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NotReady:
		return "not_ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler processes one validated message and returns its outcome. It must
// be cancellable at its own await points but is never cancelled by the
// Consumer.
type Handler func(ctx context.Context, msg models.Message) Outcome

// FlagsVerifier is called after a Success outcome to make sure processing
// flags actually reflect the work just done before the message is deleted
// for good (spec.md §4.2 "EnsureFlagsAfterSuccess"). BothDone reports
// whether videoChunkingDone and videoQuotingDone are now both true in the
// store; it is false (not an error) for every case that should requeue.
type FlagsVerifier interface {
	EnsureFlagsAfterSuccess(ctx context.Context, episodeID string) (bothDone bool, err error)
}

// API is the subset of the SQS client the Consumer calls.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// State is the Consumer's lifecycle state (spec.md §4.2 "States").
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDraining
	StateStopped
)

// Config configures a Consumer. Every duration/count defaults to the
// spec.md §6 value when left zero.
type Config struct {
	Client API
	QueueURL string

	WaitTimeSeconds          int32
	VisibilityTimeoutSeconds int32
	MaxMessagesPerPoll       int32
	RequeueDelaySeconds      int32
	NotReadyThreshold        int

	EmptyPollBackoffInitial time.Duration
	EmptyPollBackoffMax     time.Duration
	StopOnIdle              bool

	FlagsVerifier FlagsVerifier
}

// Consumer implements the QueueConsumer component.
type Consumer struct {
	client API
	queueURL string

	waitTimeSeconds          int32
	visibilityTimeoutSeconds int32
	maxMessagesPerPoll       int32
	requeueDelaySeconds      int32
	notReadyThreshold        int

	emptyPollBackoffInitial time.Duration
	emptyPollBackoffMax     time.Duration
	stopOnIdle              bool

	flagsVerifier FlagsVerifier
	notReadyCounts *cache.Cache[int]

	state int32
}

func New(cfg Config) *Consumer {
	c := &Consumer{
		client:                   cfg.Client,
		queueURL:                 cfg.QueueURL,
		waitTimeSeconds:          cfg.WaitTimeSeconds,
		visibilityTimeoutSeconds: cfg.VisibilityTimeoutSeconds,
		maxMessagesPerPoll:       cfg.MaxMessagesPerPoll,
		requeueDelaySeconds:      cfg.RequeueDelaySeconds,
		notReadyThreshold:        cfg.NotReadyThreshold,
		emptyPollBackoffInitial:  cfg.EmptyPollBackoffInitial,
		emptyPollBackoffMax:      cfg.EmptyPollBackoffMax,
		stopOnIdle:               cfg.StopOnIdle,
		flagsVerifier:            cfg.FlagsVerifier,
		notReadyCounts:           cache.New[int](),
	}
	if c.waitTimeSeconds <= 0 {
		c.waitTimeSeconds = config.DefaultSQSWaitTimeSeconds
	}
	if c.visibilityTimeoutSeconds <= 0 {
		c.visibilityTimeoutSeconds = config.DefaultSQSVisibilityTimeoutSeconds
	}
	if c.maxMessagesPerPoll <= 0 {
		c.maxMessagesPerPoll = 10
	}
	if c.requeueDelaySeconds <= 0 {
		c.requeueDelaySeconds = config.DefaultRequeueDelaySeconds
	}
	if c.notReadyThreshold <= 0 {
		c.notReadyThreshold = config.DefaultNotReadyEscalationThreshold
	}
	if c.emptyPollBackoffInitial <= 0 {
		c.emptyPollBackoffInitial = config.DefaultEmptyPollBackoffInitialSecs * time.Second
	}
	if c.emptyPollBackoffMax <= 0 {
		c.emptyPollBackoffMax = config.DefaultEmptyPollBackoffMaxSecs * time.Second
	}
	return c
}

// State returns the Consumer's current lifecycle state.
func (c *Consumer) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Drain moves the Consumer into StateDraining: the message in flight
// finishes, the rest of the current batch is not processed, and no further
// ReceiveMessage calls are issued.
func (c *Consumer) Drain() {
	atomic.CompareAndSwapInt32(&c.state, int32(StatePolling), int32(StateDraining))
	atomic.CompareAndSwapInt32(&c.state, int32(StateIdle), int32(StateDraining))
}

func (c *Consumer) draining() bool {
	return State(atomic.LoadInt32(&c.state)) == StateDraining
}

// Run polls until ctx is cancelled, Drain is called and the in-flight
// message finishes, or an unrecoverable error occurs. Empty polls back off
// exponentially from EmptyPollBackoffInitial up to EmptyPollBackoffMax;
// any non-empty receive resets the backoff.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	atomic.StoreInt32(&c.state, int32(StatePolling))
	defer atomic.StoreInt32(&c.state, int32(StateStopped))

	backoff := c.emptyPollBackoffInitial
	for {
		if c.draining() {
			log.LogNoEpisodeID("queue consumer draining: no further receives")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: c.maxMessagesPerPoll,
			WaitTimeSeconds:     c.waitTimeSeconds,
			VisibilityTimeout:   c.visibilityTimeoutSeconds,
		})
		if err != nil {
			log.LogError("", "error receiving messages from queue", err)
			if !sleepOrDone(ctx, minDuration(backoff, c.emptyPollBackoffMax)) {
				return ctx.Err()
			}
			continue
		}

		if len(out.Messages) == 0 {
			if c.stopOnIdle && backoff >= c.emptyPollBackoffMax {
				log.LogNoEpisodeID("idle backoff reached max and stop-on-idle is set; stopping")
				return nil
			}
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = minDuration(backoff*2, c.emptyPollBackoffMax)
			continue
		}

		backoff = c.emptyPollBackoffInitial
		metrics.Metrics.MessagesReceived.Add(float64(len(out.Messages)))
		c.processBatch(ctx, out.Messages, handler)
	}
}

// processBatch validates and processes messages sequentially; a message
// that cannot be parsed is deleted outright. Drain may interrupt between
// messages but never mid-message.
func (c *Consumer) processBatch(ctx context.Context, messages []types.Message, handler Handler) {
	for _, m := range messages {
		if c.draining() {
			log.LogNoEpisodeID("drain requested; skipping remaining messages in this batch")
			return
		}

		msg, err := parseMessage(m)
		if err != nil {
			log.LogError("", "invalid queue message", err)
			c.deleteMessage(ctx, aws.ToString(m.ReceiptHandle), "invalid")
			continue
		}

		c.processOne(ctx, msg, aws.ToString(m.Body), handler)
	}
}

func (c *Consumer) processOne(ctx context.Context, msg models.Message, body string, handler Handler) {
	metrics.Metrics.JobsInFlight.Inc()
	defer metrics.Metrics.JobsInFlight.Dec()

	hbCtx, cancelHB := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.runHeartbeat(hbCtx, msg.ReceiptHandle)
	}()

	outcome := handler(ctx, msg)

	cancelHB()
	<-hbDone
	c.finalExtend(context.Background(), msg.ReceiptHandle)

	switch outcome {
	case Success:
		c.handleSuccess(ctx, msg, body)
	case NotReady:
		c.handleNotReady(ctx, msg, body)
	case Failed:
		log.Log(msg.EpisodeID, "message processing failed; leaving for redelivery")
	default:
		log.Log(msg.EpisodeID, "unrecognized handler outcome; leaving for redelivery", "outcome", int(outcome))
	}
}

func (c *Consumer) handleSuccess(ctx context.Context, msg models.Message, body string) {
	bothDone, err := c.flagsVerifier.EnsureFlagsAfterSuccess(ctx, msg.EpisodeID)
	if err != nil {
		log.LogError(msg.EpisodeID, "EnsureFlagsAfterSuccess failed; requeuing to retry flag advance", err)
	}
	if bothDone {
		c.deleteMessage(ctx, msg.ReceiptHandle, "success")
		c.notReadyCounts.Remove(msg.EpisodeID, msg.EpisodeID)
		return
	}
	log.Log(msg.EpisodeID, "not both video flags true after success; requeuing to retry flag advance")
	c.deleteMessage(ctx, msg.ReceiptHandle, "success_incomplete")
	c.requeueMessage(ctx, msg.EpisodeID, body)
}

func (c *Consumer) handleNotReady(ctx context.Context, msg models.Message, body string) {
	count := c.notReadyCounts.Get(msg.EpisodeID) + 1
	c.notReadyCounts.Store(msg.EpisodeID, count)

	if count >= c.notReadyThreshold {
		metrics.Metrics.NotReadyCount.WithLabelValues(msg.EpisodeID).Inc()
		log.Log(msg.EpisodeID, "NotReady escalation threshold reached; dropping without requeue", "count", count)
		c.deleteMessage(ctx, msg.ReceiptHandle, "not_ready_exceeded")
		c.notReadyCounts.Remove(msg.EpisodeID, msg.EpisodeID)
		return
	}
	log.Log(msg.EpisodeID, "message not ready; requeuing", "count", count)
	c.deleteMessage(ctx, msg.ReceiptHandle, "not_ready")
	c.requeueMessage(ctx, msg.EpisodeID, body)
}

func (c *Consumer) deleteMessage(ctx context.Context, receiptHandle, outcome string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		log.LogError("", "error deleting queue message", err, "outcome", outcome)
		return
	}
	metrics.Metrics.MessagesDeleted.WithLabelValues(outcome).Inc()
}

func (c *Consumer) requeueMessage(ctx context.Context, episodeID, body string) {
	_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(c.queueURL),
		MessageBody:  aws.String(body),
		DelaySeconds: c.requeueDelaySeconds,
	})
	if err != nil {
		log.LogError(episodeID, "error requeuing message", err)
		return
	}
	metrics.Metrics.MessagesRequeued.WithLabelValues("retry").Inc()
}

// runHeartbeat extends the message's visibility timeout back to the full
// configured value every min(300s, max(60s, timeout/3)) while ctx is not
// cancelled.
func (c *Consumer) runHeartbeat(ctx context.Context, receiptHandle string) {
	interval := heartbeatInterval(c.visibilityTimeoutSeconds)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.extendVisibility(ctx, receiptHandle)
		}
	}
}

func (c *Consumer) extendVisibility(ctx context.Context, receiptHandle string) {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: c.visibilityTimeoutSeconds,
	})
	if err != nil {
		log.LogError("", "failed to extend message visibility", err)
	}
}

// finalExtend performs one best-effort visibility extension right after
// the heartbeat is cancelled, to give the outcome-routing code above time
// to delete or requeue before the prior lease would have lapsed.
func (c *Consumer) finalExtend(ctx context.Context, receiptHandle string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.extendVisibility(ctx, receiptHandle)
}

func heartbeatInterval(visibilityTimeoutSeconds int32) time.Duration {
	timeout := time.Duration(visibilityTimeoutSeconds) * time.Second
	interval := timeout / 3
	if interval < config.MinHeartbeatIntervalSecs*time.Second {
		interval = config.MinHeartbeatIntervalSecs * time.Second
	}
	if interval > config.MaxHeartbeatIntervalSecs*time.Second {
		interval = config.MaxHeartbeatIntervalSecs * time.Second
	}
	return interval
}

func parseMessage(m types.Message) (models.Message, error) {
	body := aws.ToString(m.Body)
	var raw struct {
		EpisodeID          string `json:"episodeId"`
		ForceVideoChunking any    `json:"force_video_chunking"`
		ForceVideoQuotes   any    `json:"force_video_quotes"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return models.Message{}, fmt.Errorf("decoding message body: %w", err)
	}
	if raw.EpisodeID == "" {
		return models.Message{}, fmt.Errorf("message missing required episodeId field")
	}
	return models.Message{
		EpisodeID:          raw.EpisodeID,
		ForceVideoChunking: raw.ForceVideoChunking,
		ForceVideoQuotes:   raw.ForceVideoQuotes,
		ReceiptHandle:      aws.ToString(m.ReceiptHandle),
	}, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
