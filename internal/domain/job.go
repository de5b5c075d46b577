package domain

import (
	"fmt"
	"time"
)

type Phase string

const (
	PhaseUpload   Phase = "upload"
	PhaseParse    Phase = "parse"
	PhaseChunk    Phase = "chunk"
	PhaseEmbed    Phase = "embed"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// transitions is the complete phase graph. error is reachable from every
// non-terminal phase; leaving error re-enters the phase that failed and is
// gated by the retry budget in Job.Transition.
var transitions = map[Phase][]Phase{
	PhaseUpload:   {PhaseParse, PhaseComplete, PhaseError},
	PhaseParse:    {PhaseChunk, PhaseError},
	PhaseChunk:    {PhaseEmbed, PhaseError},
	PhaseEmbed:    {PhaseComplete, PhaseError},
	PhaseComplete: {PhaseChunk},
	PhaseError:    {PhaseParse, PhaseChunk, PhaseEmbed},
}

func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

type JobLogEntry struct {
	At      time.Time `json:"at"`
	Phase   Phase     `json:"phase"`
	Message string    `json:"message"`
}

// IngestionJob is the persisted state machine for one upload.
type IngestionJob struct {
	ID          string        `json:"id"`
	TenantID    TenantID      `json:"tenant_id"`
	VersionRef  VersionRef    `json:"version_ref"`
	Phase       Phase         `json:"phase"`
	FailedPhase Phase         `json:"failed_phase,omitempty"`
	Retries     int           `json:"retries"`
	LastError   string        `json:"last_error,omitempty"`
	Log         []JobLogEntry `json:"log"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Transition moves the job to phase `to`, appending msg to the log. Leaving
// the error phase consumes one retry and is refused once maxRetries is reached.
func (j *IngestionJob) Transition(to Phase, msg string, maxRetries int, now time.Time) error {
	if !CanTransition(j.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Phase, to)
	}
	if j.Phase == PhaseError {
		if to != j.FailedPhase {
			return fmt.Errorf("%w: error must resume %s, not %s", ErrInvalidTransition, j.FailedPhase, to)
		}
		if j.Retries >= maxRetries {
			return fmt.Errorf("%w: retry budget exhausted (%d)", ErrInvalidTransition, j.Retries)
		}
		j.Retries++
	}
	if to == PhaseError {
		j.FailedPhase = j.Phase
		j.LastError = msg
	}
	j.Phase = to
	j.UpdatedAt = now
	j.Log = append(j.Log, JobLogEntry{At: now, Phase: to, Message: msg})
	return nil
}

// InPipeline reports whether the job is between upload and complete and may
// still write to its version.
func (j *IngestionJob) InPipeline() bool {
	switch j.Phase {
	case PhaseUpload:
		return j.VersionRef != ""
	case PhaseParse, PhaseChunk, PhaseEmbed:
		return true
	}
	return false
}

// Terminal reports whether the job will not progress without operator action.
func (j *IngestionJob) Terminal(maxRetries int) bool {
	switch j.Phase {
	case PhaseComplete:
		return true
	case PhaseError:
		return j.FailedPhase == PhaseUpload || j.Retries >= maxRetries
	}
	return false
}
