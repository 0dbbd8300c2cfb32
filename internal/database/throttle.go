package database

import (
	"errors"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
)

// Server codes and messages used by DocumentDB and Cosmos DB when a
// request exceeds the provisioned throughput.
var throttleCodes = []int{16500, 429}

var throttleMessages = []string{"TooManyRequests", "Request rate is large"}

func isThrottleCode(code int) bool {
	for _, c := range throttleCodes {
		if c == code {
			return true
		}
	}
	return false
}

func isThrottleMessage(msg string) bool {
	for _, m := range throttleMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isThrottleError reports whether err means the server asked us to slow down.
func isThrottleError(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, c := range throttleCodes {
			if se.HasErrorCode(c) {
				return true
			}
		}
	}
	return isThrottleMessage(err.Error())
}

func isDuplicateKeyCode(code int) bool {
	return code == 11000 || code == 11001 || code == 12582
}

// successes needed before the batch size grows again
const growAfter = 3

// batchSizer tracks the live write batch size: halved on throttling, grown
// by a tenth after a streak of successful batches, never above max.
type batchSizer struct {
	mu      sync.Mutex
	current int
	max     int
	streak  int
}

func newBatchSizer(limit int) *batchSizer {
	limit = max(limit, 1)
	return &batchSizer{current: limit, max: limit}
}

func (b *batchSizer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *batchSizer) throttled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = max(b.current/2, 1)
	b.streak = 0
	return b.current
}

func (b *batchSizer) succeeded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current >= b.max {
		return b.current
	}
	b.streak++
	if b.streak >= growAfter {
		b.current = min(b.max, b.current+max(b.current/10, 1))
		b.streak = 0
	}
	return b.current
}
