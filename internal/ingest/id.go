package ingest

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	fallbackMu  sync.Mutex
	fallbackRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewID returns a random (version 4) UUID string. When the system random
// source fails it falls back to a time-seeded generator so that capture
// calls never fail on ID assignment.
func NewID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	return fallbackID()
}

func fallbackID() string {
	var b uuid.UUID
	fallbackMu.Lock()
	_, _ = fallbackRNG.Read(b[:])
	fallbackMu.Unlock()
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return b.String()
}
