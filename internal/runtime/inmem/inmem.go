// Package inmem talks to the in-memory key/value store: producers publish a
// value on a channel and store it under the same key, consumers
// pattern-subscribe to channels.
package inmem

import (
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/rmqflow/internal/runtime/jsoncodec"
)

// Options selects the store and how to reach it.
type Options struct {
	Addrs    []string
	Username string
	Password string
	// Cluster talks to a Redis cluster instead of a single node.
	Cluster     bool
	DialTimeout time.Duration
}

// Record is the body published and stored for a key.
type Record struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Value     any    `json:"value"`
}

// DecodeRecord parses a Record body.
func DecodeRecord(body []byte) (Record, error) {
	var r Record
	err := jsoncodec.Unmarshal(body, &r)
	return r, err
}

// NewUniversalClient builds a standalone or cluster client from opts.
func NewUniversalClient(opts Options) redis.UniversalClient {
	addrs := opts.Addrs
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	if opts.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       addrs,
			Username:    opts.Username,
			Password:    opts.Password,
			DialTimeout: opts.DialTimeout,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:        addrs[0],
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
	})
}

func (o Options) String() string {
	mode := "standalone"
	if o.Cluster {
		mode = "cluster"
	}
	return mode + " " + strings.Join(o.Addrs, ",")
}
