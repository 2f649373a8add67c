package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AsyncCallback is invoked with a subagent's final result once its
// background task completes.
type AsyncCallback func(ctx context.Context, result *Result)

// AnnounceQueueItem is one completed subagent's result, queued for delivery
// back to its parent session.
type AnnounceQueueItem struct {
	SubagentID string
	Label      string
	Status     string
	Result     string
	Runtime    time.Duration
	Iterations int
}

// AnnounceMetadata carries the origin routing info a batched announce needs
// to reach the right session.
type AnnounceMetadata struct {
	OriginChannel    string
	OriginChatID     string
	OriginPeerKind   string
	OriginUserID     string
	ParentAgent      string
	OriginTraceID    string
	OriginRootSpanID string
}

type announceBatch struct {
	items []AnnounceQueueItem
	meta  AnnounceMetadata
	timer *time.Timer
}

// AnnounceQueue batches subagent completions per parent session over a short
// debounce window, so several subagents finishing close together produce one
// message instead of a flood of individual ones.
type AnnounceQueue struct {
	mu           sync.Mutex
	capacity     int
	debounce     time.Duration
	onFlush      func(sessionKey string, items []AnnounceQueueItem, meta AnnounceMetadata)
	countRunning func(parentID string) int
	batches      map[string]*announceBatch
}

// NewAnnounceQueue creates a queue that flushes a session's batch once it
// reaches capacity items or debounceMillis elapses since the last Enqueue,
// whichever comes first.
func NewAnnounceQueue(capacity, debounceMillis int, onFlush func(sessionKey string, items []AnnounceQueueItem, meta AnnounceMetadata), countRunning func(parentID string) int) *AnnounceQueue {
	return &AnnounceQueue{
		capacity:     capacity,
		debounce:     time.Duration(debounceMillis) * time.Millisecond,
		onFlush:      onFlush,
		countRunning: countRunning,
		batches:      make(map[string]*announceBatch),
	}
}

// Enqueue adds one subagent's result to sessionKey's pending batch.
func (q *AnnounceQueue) Enqueue(sessionKey string, item AnnounceQueueItem, meta AnnounceMetadata) {
	q.mu.Lock()

	b, ok := q.batches[sessionKey]
	if !ok {
		b = &announceBatch{}
		q.batches[sessionKey] = b
	}
	b.items = append(b.items, item)
	b.meta = meta

	if len(b.items) >= q.capacity {
		delete(q.batches, sessionKey)
		if b.timer != nil {
			b.timer.Stop()
		}
		q.mu.Unlock()
		q.flush(sessionKey, b)
		return
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(q.debounce, func() { q.fire(sessionKey) })
	q.mu.Unlock()
}

func (q *AnnounceQueue) fire(sessionKey string) {
	q.mu.Lock()
	b, ok := q.batches[sessionKey]
	if ok {
		delete(q.batches, sessionKey)
	}
	q.mu.Unlock()
	if ok {
		q.flush(sessionKey, b)
	}
}

func (q *AnnounceQueue) flush(sessionKey string, b *announceBatch) {
	if q.onFlush == nil || len(b.items) == 0 {
		return
	}
	q.onFlush(sessionKey, b.items, b.meta)
}

// FormatBatchedAnnounce renders one or more completed subagent results into
// the message posted back to the parent session.
func FormatBatchedAnnounce(items []AnnounceQueueItem, remainingActive int) string {
	var sb strings.Builder
	if len(items) == 1 {
		it := items[0]
		fmt.Fprintf(&sb, "Subagent \"%s\" %s in %s (%d iterations).\n\n%s",
			it.Label, it.Status, it.Runtime.Round(time.Second), it.Iterations, it.Result)
	} else {
		fmt.Fprintf(&sb, "%d subagents finished:\n\n", len(items))
		for _, it := range items {
			fmt.Fprintf(&sb, "- \"%s\" %s in %s (%d iterations)\n  %s\n",
				it.Label, it.Status, it.Runtime.Round(time.Second), it.Iterations, truncate(it.Result, 300))
		}
	}
	if remainingActive > 0 {
		fmt.Fprintf(&sb, "\n\n(%d subagent(s) still running)", remainingActive)
	}
	return sb.String()
}

// generateSubagentID returns a short, URL-safe identifier for a new subagent task.
func generateSubagentID() string {
	return "sub_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
