package engine

import (
	"sync"

	"github.com/BadgerOps/ziploy/internal/chunk"
)

// Phase is the current step of a deployment.
type Phase string

const (
	PhasePreparing  Phase = "preparing"
	PhasePackaging  Phase = "packaging"
	PhaseChunking   Phase = "chunking"
	PhaseUploading  Phase = "uploading"
	PhaseExtracting Phase = "extracting"
	PhaseFinalizing Phase = "finalizing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// ChunkEvent records a delivered or failed chunk.
type ChunkEvent struct {
	Seq        int
	Total      int
	Name       string
	Size       int64
	Status     string // "sent", "failed"
	StatusCode int
	Error      string
}

// Progress is the deployment state passed to the tracker callback.
type Progress struct {
	Phase       Phase
	Message     string
	TotalChunks int
	SentChunks  int
	TotalBytes  int64
	BytesSent   int64

	// Event is the chunk event that produced this update, if any.
	Event *ChunkEvent
}

// Tracker accumulates deployment progress and reports every change to
// an optional callback.
type Tracker struct {
	mu sync.Mutex

	phase       Phase
	message     string
	totalChunks int
	sentChunks  int
	totalBytes  int64
	bytesSent   int64

	onUpdate func(Progress)
}

// NewTracker creates a tracker. onUpdate may be nil.
func NewTracker(onUpdate func(Progress)) *Tracker {
	return &Tracker{
		phase:    PhasePreparing,
		onUpdate: onUpdate,
	}
}

// update applies fn under the lock and then notifies the callback.
func (t *Tracker) update(fn func() *ChunkEvent) {
	t.mu.Lock()
	ev := fn()
	p := Progress{
		Phase:       t.phase,
		Message:     t.message,
		TotalChunks: t.totalChunks,
		SentChunks:  t.sentChunks,
		TotalBytes:  t.totalBytes,
		BytesSent:   t.bytesSent,
		Event:       ev,
	}
	cb := t.onUpdate
	t.mu.Unlock()

	if cb != nil {
		cb(p)
	}
}

// SetPhase moves to phase with a human-readable message.
func (t *Tracker) SetPhase(phase Phase, msg string) {
	t.update(func() *ChunkEvent {
		t.phase = phase
		t.message = msg
		return nil
	})
}

// SetTotals sets the chunk count and archive size after chunking.
func (t *Tracker) SetTotals(totalChunks int, totalBytes int64) {
	t.update(func() *ChunkEvent {
		t.totalChunks = totalChunks
		t.totalBytes = totalBytes
		return nil
	})
}

// ChunkSent marks c as delivered.
func (t *Tracker) ChunkSent(c chunk.Chunk, statusCode int) {
	t.update(func() *ChunkEvent {
		t.sentChunks++
		t.bytesSent += c.Size
		return &ChunkEvent{Seq: c.Seq, Total: c.Total, Name: c.Name, Size: c.Size, Status: "sent", StatusCode: statusCode}
	})
}

// ChunkFailed marks c as failed.
func (t *Tracker) ChunkFailed(c chunk.Chunk, statusCode int, err error) {
	t.update(func() *ChunkEvent {
		ev := ChunkEvent{Seq: c.Seq, Total: c.Total, Name: c.Name, Size: c.Size, Status: "failed", StatusCode: statusCode}
		if err != nil {
			ev.Error = err.Error()
		}
		return &ev
	})
}

// Fail moves the tracker to PhaseFailed.
func (t *Tracker) Fail(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.SetPhase(PhaseFailed, msg)
}
