/*
Copyright 2026 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a universal client so callers do not care whether they talk
// to a single instance or a cluster.
type Redis struct {
	client redis.UniversalClient
}

// ParseRedisURL parses a Redis URL into client options. Docker-style
// host:port addresses are accepted as-is.
func ParseRedisURL(rawURL string) (*redis.Options, error) {
	if strings.Count(rawURL, ":") == 1 && !strings.Contains(rawURL, "@") && !strings.Contains(rawURL, "//") {
		return &redis.Options{Addr: rawURL}, nil
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		// Fall back to manual parsing for password@host forms ParseURL
		// rejects.
		host := rawURL
		var password string
		if strings.Contains(rawURL, "@") {
			parts := strings.Split(rawURL, "@")
			if len(parts) == 2 {
				password = strings.TrimPrefix(parts[0], "redis://")
				host = parts[1]
			}
		}
		opts = &redis.Options{Addr: host, Password: password, DB: 0}
	}
	return opts, nil
}

// NewRedisClient creates a Redis connection from one or more addresses. A
// single address yields a standalone client; several yield a cluster client.
func NewRedisClient(addresses []string) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0])
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		var clusterAddrs []string
		var password string
		for _, addr := range addresses {
			opts, err := ParseRedisURL(addr)
			if err != nil {
				return nil, err
			}
			clusterAddrs = append(clusterAddrs, opts.Addr)
			if password == "" && opts.Password != "" {
				password = opts.Password
			}
		}
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    clusterAddrs,
			Password: password,
		})
	}

	return &Redis{client: client}, nil
}

// Client exposes the underlying universal client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// MakeRedisClient satisfies asynq's connection interface.
func (r *Redis) MakeRedisClient() interface{} {
	return r.client
}
