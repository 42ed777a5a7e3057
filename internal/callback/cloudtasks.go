package callback

import (
	"context"
	"encoding/json"
	"fmt"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudTasksClient offers durable at-least-once callback delivery as
// an alternative to Client's direct POST-with-retry, adapted from the
// teacher's cloud dispatcher / in-memory dispatcher duality.
type CloudTasksClient struct {
	tasksClient *cloudtasks.Client
	queuePath   string
	targetURL   string
	fallback    *Client
}

// NewCloudTasksClient builds a durable callback client targeting the
// given Cloud Tasks queue; fallback is used if task creation fails.
func NewCloudTasksClient(tasksClient *cloudtasks.Client, projectID, locationID, queueID, targetURL string, fallback *Client) *CloudTasksClient {
	return &CloudTasksClient{
		tasksClient: tasksClient,
		queuePath:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL:   targetURL,
		fallback:    fallback,
	}
}

// Deliver enqueues a durable HTTP task; on enqueue failure it falls
// back to the direct-POST client if one was configured.
func (c *CloudTasksClient) Deliver(ctx context.Context, callbackID string, result json.RawMessage) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	req := &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					Url:        fmt.Sprintf("%s/callbacks/%s", c.targetURL, callbackID),
					HttpMethod: taskspb.HttpMethod_POST,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
				},
			},
		},
	}
	if _, err := c.tasksClient.CreateTask(ctx, req); err != nil {
		if c.fallback != nil {
			return c.fallback.Deliver(ctx, callbackID, result)
		}
		return fmt.Errorf("cloud tasks enqueue: %w", err)
	}
	return nil
}
