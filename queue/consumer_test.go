package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/episode-video-worker/models"
)

type fakeAPI struct {
	mu sync.Mutex

	batches    [][]types.Message
	batchIdx   int
	deleted    []string
	requeued   []string
	visibility int
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchIdx >= len(f.batches) {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := f.batches[f.batchIdx]
	f.batchIdx++
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility++
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

type fakeFlagsVerifier struct {
	bothDone bool
	err      error
	calls    int
}

func (f *fakeFlagsVerifier) EnsureFlagsAfterSuccess(ctx context.Context, episodeID string) (bool, error) {
	f.calls++
	return f.bothDone, f.err
}

func newMessage(t *testing.T, episodeID, receiptHandle string) types.Message {
	t.Helper()
	body, err := json.Marshal(map[string]string{"episodeId": episodeID})
	require.NoError(t, err)
	return types.Message{
		Body:          aws.String(string(body)),
		ReceiptHandle: aws.String(receiptHandle),
	}
}

func testConfig(api API, verifier FlagsVerifier, batches [][]types.Message) Config {
	return Config{
		Client:                   api,
		QueueURL:                 "http://example/queue",
		WaitTimeSeconds:          1,
		VisibilityTimeoutSeconds: 120,
		RequeueDelaySeconds:      1,
		NotReadyThreshold:        3,
		EmptyPollBackoffInitial:  10 * time.Millisecond,
		EmptyPollBackoffMax:      20 * time.Millisecond,
		StopOnIdle:               true,
		FlagsVerifier:            verifier,
	}
}

func TestRunDeletesOnSuccessWhenBothFlagsDone(t *testing.T) {
	api := &fakeAPI{batches: [][]types.Message{{newMessage(t, "E1", "rh1")}}}
	verifier := &fakeFlagsVerifier{bothDone: true}
	c := New(testConfig(api, verifier, nil))

	err := c.Run(context.Background(), func(ctx context.Context, msg models.Message) Outcome {
		require.Equal(t, "E1", msg.EpisodeID)
		return Success
	})
	require.NoError(t, err)
	require.Equal(t, []string{"rh1"}, api.deleted)
	require.Empty(t, api.requeued)
	require.Equal(t, 1, verifier.calls)
}

func TestRunRequeuesOnSuccessWhenFlagsIncomplete(t *testing.T) {
	api := &fakeAPI{batches: [][]types.Message{{newMessage(t, "E1", "rh1")}}}
	verifier := &fakeFlagsVerifier{bothDone: false}
	c := New(testConfig(api, verifier, nil))

	err := c.Run(context.Background(), func(ctx context.Context, msg models.Message) Outcome {
		return Success
	})
	require.NoError(t, err)
	require.Equal(t, []string{"rh1"}, api.deleted)
	require.Len(t, api.requeued, 1)
}

func TestRunEscalatesAfterThreeNotReady(t *testing.T) {
	api := &fakeAPI{batches: [][]types.Message{
		{newMessage(t, "E1", "rh1")},
		{newMessage(t, "E1", "rh2")},
		{newMessage(t, "E1", "rh3")},
	}}
	verifier := &fakeFlagsVerifier{}
	c := New(testConfig(api, verifier, nil))

	err := c.Run(context.Background(), func(ctx context.Context, msg models.Message) Outcome {
		return NotReady
	})
	require.NoError(t, err)
	require.Equal(t, []string{"rh1", "rh2", "rh3"}, api.deleted)
	require.Len(t, api.requeued, 2, "first two NotReady deliveries requeue, the third escalates instead")
}

func TestRunLeavesFailedMessageUndeleted(t *testing.T) {
	api := &fakeAPI{batches: [][]types.Message{{newMessage(t, "E1", "rh1")}}}
	verifier := &fakeFlagsVerifier{}
	c := New(testConfig(api, verifier, nil))

	err := c.Run(context.Background(), func(ctx context.Context, msg models.Message) Outcome {
		return Failed
	})
	require.NoError(t, err)
	require.Empty(t, api.deleted)
	require.Empty(t, api.requeued)
}

func TestRunDeletesInvalidMessageWithoutHandler(t *testing.T) {
	api := &fakeAPI{batches: [][]types.Message{
		{{Body: aws.String(`{"no_episode_id":true}`), ReceiptHandle: aws.String("rh1")}},
	}}
	verifier := &fakeFlagsVerifier{}
	c := New(testConfig(api, verifier, nil))

	called := false
	err := c.Run(context.Background(), func(ctx context.Context, msg models.Message) Outcome {
		called = true
		return Success
	})
	require.NoError(t, err)
	require.False(t, called)
	require.Equal(t, []string{"rh1"}, api.deleted)
}

func TestHeartbeatIntervalClampedToBounds(t *testing.T) {
	require.Equal(t, 60*time.Second, heartbeatInterval(60))
	require.Equal(t, 300*time.Second, heartbeatInterval(10000))
	require.Equal(t, 140*time.Second, heartbeatInterval(420))
}

func TestDrainStopsBeforeNextReceive(t *testing.T) {
	api := &fakeAPI{batches: [][]types.Message{
		{newMessage(t, "E1", "rh1")},
		{newMessage(t, "E2", "rh2")},
	}}
	verifier := &fakeFlagsVerifier{bothDone: true}
	c := New(testConfig(api, verifier, nil))

	var processed []string
	err := c.Run(context.Background(), func(ctx context.Context, msg models.Message) Outcome {
		processed = append(processed, msg.EpisodeID)
		c.Drain()
		return Success
	})
	require.NoError(t, err)
	require.Equal(t, []string{"E1"}, processed)
	require.Equal(t, StateStopped, c.State())
}
