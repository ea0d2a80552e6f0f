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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"ROSTER_REDIS_DNS"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"ROSTER_DATA_SOURCE_DNS"`
}

// RetryConfig tunes the retry store and worker. Delays follow
// min(base * 2^attempts, max).
type RetryConfig struct {
	BaseDelaySeconds int    `json:"base_delay_seconds" envconfig:"ROSTER_RETRY_BASE_DELAY_SECONDS"`
	MaxDelaySeconds  int    `json:"max_delay_seconds" envconfig:"ROSTER_RETRY_MAX_DELAY_SECONDS"`
	MaxAttempts      int    `json:"max_attempts" envconfig:"ROSTER_RETRY_MAX_ATTEMPTS"`
	BatchSize        int    `json:"batch_size" envconfig:"ROSTER_RETRY_BATCH_SIZE"`
	LeaseSeconds     int    `json:"lease_seconds" envconfig:"ROSTER_RETRY_LEASE_SECONDS"`
	SweepQueue       string `json:"sweep_queue" envconfig:"ROSTER_RETRY_SWEEP_QUEUE"`
	SweepIntervalSec int    `json:"sweep_interval_sec" envconfig:"ROSTER_RETRY_SWEEP_INTERVAL_SEC"`
}

// BreakerConfig tunes every circuit breaker the registry hands out.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" envconfig:"ROSTER_BREAKER_FAILURE_THRESHOLD"`
	TimeoutSeconds   int `json:"timeout_seconds" envconfig:"ROSTER_BREAKER_TIMEOUT_SECONDS"`
	HalfOpenMaxCalls int `json:"half_open_max_calls" envconfig:"ROSTER_BREAKER_HALF_OPEN_MAX_CALLS"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic" envconfig:"ROSTER_AUDIT_KAFKA_TOPIC"`
}

type AuditConfig struct {
	RetentionDays int         `json:"retention_days" envconfig:"ROSTER_AUDIT_RETENTION_DAYS"`
	Kafka         KafkaConfig `json:"kafka"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

// ProviderConfig declares one directory backend. Exactly one provider in the
// list must be primary. Latency and failure knobs only apply to the built-in
// memory backend and exist for local runs and tests.
type ProviderConfig struct {
	Name        string  `json:"name"`
	Primary     bool    `json:"primary"`
	LatencyMs   int     `json:"latency_ms"`
	FailureRate float64 `json:"failure_rate"`
}

type FanoutConfig struct {
	MaxConcurrency int `json:"max_concurrency" envconfig:"ROSTER_FANOUT_MAX_CONCURRENCY"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"ROSTER_PROJECT_NAME"`
	Redis        RedisConfig      `json:"redis"`
	DataSource   DataSourceConfig `json:"data_source"`
	Retry        RetryConfig      `json:"retry"`
	Breaker      BreakerConfig    `json:"breaker"`
	Audit        AuditConfig      `json:"audit"`
	Notification Notification     `json:"notification"`
	Fanout       FanoutConfig     `json:"fanout"`
	Providers    []ProviderConfig `json:"providers"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("roster", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called roster.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Roster"
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)

	if cnf.Retry.BaseDelaySeconds <= 0 {
		cnf.Retry.BaseDelaySeconds = 10
	}
	if cnf.Retry.MaxDelaySeconds <= 0 {
		cnf.Retry.MaxDelaySeconds = 1000
	}
	if cnf.Retry.MaxAttempts <= 0 {
		cnf.Retry.MaxAttempts = 5
	}
	if cnf.Retry.BatchSize <= 0 {
		cnf.Retry.BatchSize = 50
	}
	if cnf.Retry.LeaseSeconds <= 0 {
		cnf.Retry.LeaseSeconds = 60
	}
	if cnf.Retry.SweepQueue == "" {
		cnf.Retry.SweepQueue = "roster:retry:sweep"
	}
	if cnf.Retry.SweepIntervalSec <= 0 {
		cnf.Retry.SweepIntervalSec = 30
	}

	if cnf.Breaker.FailureThreshold <= 0 {
		cnf.Breaker.FailureThreshold = 5
	}
	if cnf.Breaker.TimeoutSeconds <= 0 {
		cnf.Breaker.TimeoutSeconds = 60
	}
	if cnf.Breaker.HalfOpenMaxCalls <= 0 {
		cnf.Breaker.HalfOpenMaxCalls = 1
	}

	if cnf.Audit.RetentionDays <= 0 {
		cnf.Audit.RetentionDays = 365
	}

	if cnf.Fanout.MaxConcurrency <= 0 {
		cnf.Fanout.MaxConcurrency = 4
	}

	primaries := 0
	seen := map[string]bool{}
	for _, p := range cnf.Providers {
		if p.Name == "" {
			return errors.New("provider name is required")
		}
		if seen[p.Name] {
			return errors.New("duplicate provider name: " + p.Name)
		}
		seen[p.Name] = true
		if p.Primary {
			primaries++
		}
	}
	if len(cnf.Providers) > 0 && primaries != 1 {
		return errors.New("exactly one provider must be flagged primary")
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
