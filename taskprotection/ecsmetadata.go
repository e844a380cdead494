package taskprotection

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/livepeer/episode-video-worker/log"
)

// DefaultClusterName is used when ECS metadata never yields a cluster name.
const DefaultClusterName = "video-processing-cluster"

type taskMetadata struct {
	Cluster string `json:"Cluster"`
	TaskARN string `json:"TaskARN"`
}

// ResolveECSMetadata resolves the cluster name and task ARN this process is
// running as, by querying the ECS container metadata endpoint
// (ECS_CONTAINER_METADATA_URI_V4, falling back to the v3 variant), per
// original_source's ecs_task_protection.py _get_task_arn. Outside ECS
// (local development), both env vars are unset and this returns
// (DefaultClusterName, "", false) so the caller can run the Manager in
// no-op mode.
func ResolveECSMetadata(ctx context.Context) (clusterName, taskARN string, ok bool) {
	clusterName = DefaultClusterName

	uri := os.Getenv("ECS_CONTAINER_METADATA_URI_V4")
	if uri == "" {
		uri = os.Getenv("ECS_CONTAINER_METADATA_URI")
	}
	if uri == "" {
		return clusterName, "", false
	}

	meta, err := fetchTaskMetadata(ctx, uri+"/task")
	if err != nil {
		log.LogNoEpisodeID("failed to fetch ECS task metadata; task protection will run in no-op mode", "error", err.Error())
		return clusterName, "", false
	}

	taskARN = meta.TaskARN
	if meta.Cluster != "" {
		clusterName = meta.Cluster
	} else if extracted, found := clusterFromARN(taskARN); found {
		clusterName = extracted
	}
	return clusterName, taskARN, taskARN != ""
}

func fetchTaskMetadata(ctx context.Context, url string) (taskMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return taskMetadata{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return taskMetadata{}, err
	}
	defer resp.Body.Close()

	var meta taskMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return taskMetadata{}, err
	}
	return meta, nil
}

// clusterFromARN extracts the cluster name from a task ARN of the form
// arn:aws:ecs:region:account:task/cluster-name/task-id.
func clusterFromARN(taskARN string) (string, bool) {
	const marker = ":task/"
	idx := strings.Index(taskARN, marker)
	if idx < 0 {
		return "", false
	}
	rest := taskARN[idx+len(marker):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}
