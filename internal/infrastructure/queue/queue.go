// Package queue provides RabbitMQ publishing and consumption for sync jobs.
package queue

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrFull is returned when a bounded queue cannot accept more work.
var ErrFull = errors.New("queue full")

// ErrShuttingDown is returned when a queue no longer accepts work because
// shutdown has begun.
var ErrShuttingDown = errors.New("queue shutting down")

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}
