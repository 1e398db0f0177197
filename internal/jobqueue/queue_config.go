package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig tunes the River dispatch queue.
type QueueConfig struct {
	// MaxWorkers bounds concurrent deliveries.
	MaxWorkers int
	// JobTimeout bounds one delivery, including its in-process retries.
	JobTimeout time.Duration
	// QueueName lets several sessions share one River schema.
	QueueName string
}

// DefaultQueueConfig suits a single advisor session.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers: 4,
		JobTimeout: 2 * time.Minute,
		QueueName:  river.QueueDefault,
	}
}

// RiverQueueConfig converts the config to River's queue map.
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		c.queueName(): {MaxWorkers: c.MaxWorkers},
	}
}

func (c *QueueConfig) queueName() string {
	if c.QueueName == "" {
		return river.QueueDefault
	}
	return c.QueueName
}
