package redis

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

const eventQueuePrefix = "events:"

// EventQueueKey names the durable buffer entry for one fan-out group. Each
// part is query-escaped so identifiers containing ':' (legal in a URL path
// segment) cannot shift the key's structure.
func EventQueueKey(channelType, orgToken, endUserID, sessionID string) string {
	parts := []string{
		url.QueryEscape(channelType),
		url.QueryEscape(orgToken),
		url.QueryEscape(endUserID),
		url.QueryEscape(sessionID),
	}
	return eventQueuePrefix + strings.Join(parts, ":")
}

// EventQueuePattern matches every event queue key, for recovery scans.
func EventQueuePattern() string {
	return eventQueuePrefix + "*"
}

// ParseEventQueueKey recovers the group identity from a queue key.
func ParseEventQueueKey(key string) (channelType, orgToken, endUserID, sessionID string, ok bool) {
	if !strings.HasPrefix(key, eventQueuePrefix) {
		return "", "", "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(key, eventQueuePrefix), ":")
	if len(parts) != 4 {
		return "", "", "", "", false
	}

	unescaped := make([]string, 4)
	for i, p := range parts {
		u, err := url.QueryUnescape(p)
		if err != nil {
			return "", "", "", "", false
		}
		unescaped[i] = u
	}
	return unescaped[0], unescaped[1], unescaped[2], unescaped[3], true
}
