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

package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rosterhq/roster"
	"github.com/rosterhq/roster/audit"
	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/internal/breaker"
	"github.com/rosterhq/roster/internal/notification"
	redis_db "github.com/rosterhq/roster/internal/redis-db"
	"github.com/rosterhq/roster/providers"
	"github.com/rosterhq/roster/retry"
)

// Roster represents the CLI application, encapsulating the root Cobra command.
type Roster struct {
	cmd *cobra.Command
}

// rosterInstance holds the orchestrator instance and its configuration for
// use by every subcommand.
type rosterInstance struct {
	roster *roster.Roster
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and wires the orchestrator before any command
// runs.
func preRun(app *rosterInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newRoster, err := setupRoster(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.roster = newRoster
		app.cnf = cnf
		return nil
	}
}

// setupRoster builds the orchestrator from configuration: a provider per
// configured backend, a Redis-backed retry store, a Postgres audit trail
// when a data source is configured (in-memory otherwise), and the sweep
// queue.
func setupRoster(cnf *config.Configuration) (*roster.Roster, error) {
	registry, err := buildProviders(cnf)
	if err != nil {
		return nil, fmt.Errorf("error building providers: %v", err)
	}

	redisClient, err := redis_db.NewRedisClient([]string{cnf.Redis.Dns})
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %v", err)
	}

	backoff := retry.Backoff{
		BaseDelay: time.Duration(cnf.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:  time.Duration(cnf.Retry.MaxDelaySeconds) * time.Second,
	}
	retries := retry.NewRedisStore(redisClient.Client(), backoff)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cnf.Breaker.FailureThreshold,
		Timeout:          time.Duration(cnf.Breaker.TimeoutSeconds) * time.Second,
		HalfOpenMaxCalls: cnf.Breaker.HalfOpenMaxCalls,
	})

	trail, err := buildTrail(cnf)
	if err != nil {
		return nil, fmt.Errorf("error building audit trail: %v", err)
	}

	queue, err := roster.NewQueue(cnf)
	if err != nil {
		return nil, fmt.Errorf("error creating queue: %v", err)
	}

	return roster.New(cnf, registry, breakers, retries, trail, queue), nil
}

func buildProviders(cnf *config.Configuration) (*providers.Registry, error) {
	provs := make([]providers.DirectoryProvider, 0, len(cnf.Providers))
	for _, pc := range cnf.Providers {
		p := providers.NewMemoryProvider(pc.Name, pc.Primary)
		p.Delay = time.Duration(pc.LatencyMs) * time.Millisecond
		p.FailureRate = pc.FailureRate
		provs = append(provs, p)
	}
	return providers.NewRegistry(provs...)
}

func buildTrail(cnf *config.Configuration) (*audit.Trail, error) {
	var store audit.Store
	if cnf.DataSource.Dns != "" {
		db, err := sql.Open("postgres", cnf.DataSource.Dns)
		if err != nil {
			return nil, err
		}
		store, err = audit.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
	} else {
		logrus.Warn("no data source configured, audit entries are kept in memory only")
		store = audit.NewMemoryStore()
	}

	var streamer audit.Streamer
	if len(cnf.Audit.Kafka.Brokers) > 0 {
		s, err := audit.NewKafkaStreamer(cnf.Audit.Kafka.Brokers, cnf.Audit.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		streamer = s
	}

	retention := time.Duration(cnf.Audit.RetentionDays) * 24 * time.Hour
	return audit.NewTrail(store, streamer, retention), nil
}

// NewCLI creates the command-line interface for the Roster application.
func NewCLI() *Roster {
	var configFile string
	b := &rosterInstance{}

	var rootCmd = &cobra.Command{
		Use:   "roster",
		Short: "Group membership orchestration across identity directories",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./roster.json", "Configuration file for roster")
	rootCmd.PersistentPreRunE = preRun(b, &configFile)

	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(syncCommands(b))

	return &Roster{cmd: rootCmd}
}

func (w Roster) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
