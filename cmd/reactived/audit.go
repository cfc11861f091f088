package main

import (
	"context"
	"sync"

	usertypes "github.com/goliatone/go-users/pkg/types"
)

// auditLog is a bounded in-memory go-users ActivitySink served on /activity.
type auditLog struct {
	mu       sync.Mutex
	capacity int
	records  []usertypes.ActivityRecord
}

func newAuditLog(capacity int) *auditLog {
	if capacity <= 0 {
		capacity = 200
	}
	return &auditLog{capacity: capacity}
}

func (a *auditLog) Log(_ context.Context, record usertypes.ActivityRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	if over := len(a.records) - a.capacity; over > 0 {
		a.records = append([]usertypes.ActivityRecord(nil), a.records[over:]...)
	}
	return nil
}

func (a *auditLog) Records() []usertypes.ActivityRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]usertypes.ActivityRecord(nil), a.records...)
}
