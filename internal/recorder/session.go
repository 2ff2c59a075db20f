// SPDX-License-Identifier: MIT

package recorder

import (
	"sync"
	"time"
)

// State is the lifecycle state of a recording session.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateFailed    State = "failed"
)

// FailureReason names the terminal cause of a failed session.
type FailureReason string

const (
	ReasonNone           FailureReason = ""
	ReasonBufferOverflow FailureReason = "buffer_overflow"
	ReasonStorageError   FailureReason = "storage_error"
	ReasonShutdown       FailureReason = "shutdown"
)

// Status is an immutable snapshot of one session.
type Status struct {
	Camera        string        `json:"camera"`
	Path          string        `json:"path"`
	State         State         `json:"state"`
	Reason        FailureReason `json:"reason,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	LastSequence  uint64        `json:"last_sequence"`
	FramesWritten uint64        `json:"frames_written"`
	Gaps          uint64        `json:"gaps"`
}

// Session tracks one recording from Starting to a terminal state.
type Session struct {
	mu sync.Mutex

	camera    string
	path      string // final path; data is written to path+".partial"
	state     State
	reason    FailureReason
	startedAt time.Time

	lastSeq       uint64
	framesWritten uint64
	gaps          uint64

	stopc chan struct{} // signals the consumer to flush and finalize
	done  chan struct{} // closed when the consumer has exited
}

func newSession(camera, path string) *Session {
	return &Session{
		camera:    camera,
		path:      path,
		state:     StateStarting,
		startedAt: time.Now(),
		stopc:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// setState transitions the session. Failed is terminal: a concurrent Stop
// racing a failing consumer must not mask the failure with Stopping.
func (s *Session) setState(state State, reason FailureReason) {
	s.mu.Lock()
	if s.state != StateFailed {
		s.state = state
		s.reason = reason
	}
	s.mu.Unlock()
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Camera:        s.camera,
		Path:          s.path,
		State:         s.state,
		Reason:        s.reason,
		StartedAt:     s.startedAt,
		LastSequence:  s.lastSeq,
		FramesWritten: s.framesWritten,
		Gaps:          s.gaps,
	}
}

// Done is closed once the session's consumer goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }
