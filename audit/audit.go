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

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/notification"
	"github.com/rosterhq/roster/model"
)

// Store persists audit entries append-only. The layout must answer point
// lookups by correlation id and time-ordered scans by resource and by user.
type Store interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
	ByResource(ctx context.Context, resourceID string) ([]*model.AuditEntry, error)
	ByUser(ctx context.Context, userEmail string) ([]*model.AuditEntry, error)
	ByCorrelation(ctx context.Context, correlationID string) ([]*model.AuditEntry, error)
}

// Streamer is an optional secondary sink that receives every entry, e.g. a
// Kafka topic feeding a SIEM. Stream failures never fail the caller's write.
type Streamer interface {
	Publish(ctx context.Context, entry *model.AuditEntry) error
}

// EntryParams are the raw call parameters the factory flattens into an
// AuditEntry.
type EntryParams struct {
	CorrelationID string
	Action        string
	ResourceType  string
	ResourceID    string
	UserEmail     string
	MemberEmail   string
	Provider      string
	Result        string
	ErrorType     string
	ErrorMessage  string
	Justification string
	Metadata      map[string]interface{}
}

// Trail is the write-behind audit logger. Writes are synchronous against the
// store: they complete, or the failure is logged and notified, before the
// caller proceeds to any downstream side effect.
type Trail struct {
	store     Store
	streamer  Streamer
	retention time.Duration
}

// NewTrail builds a trail over store. streamer may be nil.
func NewTrail(store Store, streamer Streamer, retention time.Duration) *Trail {
	return &Trail{store: store, streamer: streamer, retention: retention}
}

// CreateEntry builds an AuditEntry from raw call parameters, stamping the
// timestamp and retention horizon and flattening free-form metadata into
// string values.
func (t *Trail) CreateEntry(p EntryParams) *model.AuditEntry {
	entry := &model.AuditEntry{
		CorrelationID: p.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Action:        p.Action,
		ResourceType:  p.ResourceType,
		ResourceID:    p.ResourceID,
		UserEmail:     p.UserEmail,
		MemberEmail:   p.MemberEmail,
		Provider:      p.Provider,
		Result:        p.Result,
		ErrorType:     p.ErrorType,
		ErrorMessage:  p.ErrorMessage,
		Justification: p.Justification,
	}
	if t.retention > 0 {
		entry.TTL = entry.Timestamp.Add(t.retention)
	}
	if len(p.Metadata) > 0 {
		entry.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			entry.Metadata[k] = fmt.Sprintf("%v", v)
		}
	}
	return entry
}

// Write appends the entry to the store and fans it out to the streamer. A
// store failure is returned to the caller after being logged and notified;
// a missing audit entry is never silently accepted.
func (t *Trail) Write(ctx context.Context, entry *model.AuditEntry) error {
	if err := t.store.Append(ctx, entry); err != nil {
		logrus.Errorf("audit write failed for correlation %s: %v", entry.CorrelationID, err)
		notification.NotifyError(fmt.Errorf("audit write failed for correlation %s: %w", entry.CorrelationID, err))
		return err
	}

	if t.streamer != nil {
		go func(e model.AuditEntry) {
			streamCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := t.streamer.Publish(streamCtx, &e); err != nil {
				notification.NotifyError(fmt.Errorf("audit stream publish failed for correlation %s: %w", e.CorrelationID, err))
			}
		}(*entry)
	}
	return nil
}
