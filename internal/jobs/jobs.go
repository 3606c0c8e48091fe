// Package jobs runs scheduled maintenance work on asynq: refilling the
// pricing cache for the products shoppers open most.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TypeCatalogWarm refills cached pricing data. An empty product id warms
	// every configured product.
	TypeCatalogWarm = "catalog:warm"

	queueName = "maintenance"
)

type warmPayload struct {
	ProductID string `json:"productId,omitempty"`
}

// NewWarmTask builds a warm task for one product, or for the configured set
// when productID is empty.
func NewWarmTask(productID string) (*asynq.Task, error) {
	raw, err := json.Marshal(warmPayload{ProductID: strings.TrimSpace(productID)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCatalogWarm, raw,
		asynq.Queue(queueName),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
	), nil
}

// Client enqueues maintenance tasks from the API process.
type Client struct {
	c *asynq.Client
}

// NewClient connects to the asynq Redis given as a redis:// URL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("jobs: redis url: %w", err)
	}
	return &Client{c: asynq.NewClient(opt)}, nil
}

// WarmProduct schedules a refill for one product. Repeated calls within a
// minute collapse into one task.
func (c *Client) WarmProduct(ctx context.Context, productID string) error {
	task, err := NewWarmTask(productID)
	if err != nil {
		return err
	}
	_, err = c.c.EnqueueContext(ctx, task, asynq.Unique(time.Minute))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (c *Client) Close() error { return c.c.Close() }
