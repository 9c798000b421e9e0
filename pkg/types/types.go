// Package types defines the shared vocabulary used across all Visage packages.
//
// These types form the lingua franca between the HTTP surface, the job
// scheduler, the session mediator, and the stores. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting
// enumerations live here to avoid circular imports.
package types

import "time"

// JobKind distinguishes the two generation pipelines.
type JobKind string

const (
	// JobAudio is a speech-audio generation job.
	JobAudio JobKind = "audio"

	// JobVideo is a talking-head video generation job.
	JobVideo JobKind = "video"
)

// IsValid reports whether the kind is one of the known pipelines.
func (k JobKind) IsValid() bool {
	return k == JobAudio || k == JobVideo
}

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	// StatusQueued means the row is persisted and waiting for a worker slot.
	StatusQueued JobStatus = "queued"

	// StatusProcessing means a runner currently owns the job.
	StatusProcessing JobStatus = "processing"

	// StatusCompleted is terminal; the result URL is set.
	StatusCompleted JobStatus = "completed"

	// StatusFailed is terminal; the error message is set.
	StatusFailed JobStatus = "failed"

	// StatusTimedOut is terminal; the reaper reclaimed an orphaned row.
	StatusTimedOut JobStatus = "timed-out"
)

// jobTransitions encodes the only legal status edges. Terminal states have
// no outgoing edges; any attempt to leave one must fail loudly.
var jobTransitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimedOut},
}

// IsValid reports whether the status is a known lifecycle state.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InputMode selects the audio source for a video job.
type InputMode string

const (
	// InputScript synthesizes speech from the job's text.
	InputScript InputMode = "script"

	// InputAudio uses a pre-recorded audio URL supplied by the caller.
	InputAudio InputMode = "audio"
)

// IsValid reports whether the mode is recognized.
func (m InputMode) IsValid() bool {
	return m == InputScript || m == InputAudio
}

// Quality selects the video-synthesis model tier. It also fixes the polling
// cadence and ceiling for the job that carries it.
type Quality string

const (
	// QualityFast favors latency over fidelity.
	QualityFast Quality = "fast"

	// QualityHigh favors fidelity; renders take several times longer.
	QualityHigh Quality = "high"
)

// NormalizeQuality maps caller aliases onto the canonical tiers.
// The public API historically accepted "standard", which renders on the
// fast tier.
func NormalizeQuality(s string) (Quality, bool) {
	switch s {
	case "fast", "standard", "":
		return QualityFast, true
	case "high":
		return QualityHigh, true
	}
	return "", false
}

// PollInterval is the delay between status polls for this tier.
func (q Quality) PollInterval() time.Duration {
	if q == QualityHigh {
		return 5 * time.Second
	}
	return 3 * time.Second
}

// MaxPollAttempts is the polling ceiling for this tier.
func (q Quality) MaxPollAttempts() int {
	if q == QualityHigh {
		return 240
	}
	return 120
}

// ProcessingDeadline is the wall-clock window a job of this tier may stay in
// processing before the reaper reclaims it as timed out.
func (q Quality) ProcessingDeadline() time.Duration {
	return time.Duration(q.MaxPollAttempts()) * q.PollInterval()
}

// Resource names a billable usage counter.
type Resource string

const (
	// ResourceAudioMinutes accumulates generated speech duration.
	ResourceAudioMinutes Resource = "audio-minutes"

	// ResourceVideoMinutes accumulates generated video duration.
	ResourceVideoMinutes Resource = "video-minutes"

	// ResourceConversationMinutes accumulates live session wall clock.
	ResourceConversationMinutes Resource = "conversation-minutes"

	// ResourceAvatarCreations counts avatars created this cycle.
	ResourceAvatarCreations Resource = "avatar-creations"

	// ResourceAPICalls counts authenticated machine-key calls.
	ResourceAPICalls Resource = "api-calls"
)

// IsValid reports whether the resource is a known counter.
func (r Resource) IsValid() bool {
	switch r {
	case ResourceAudioMinutes, ResourceVideoMinutes, ResourceConversationMinutes,
		ResourceAvatarCreations, ResourceAPICalls:
		return true
	}
	return false
}

// SessionKind distinguishes voice-only sessions from full video sessions.
type SessionKind string

const (
	// SessionVoice bridges the client to the voice upstream only.
	SessionVoice SessionKind = "voice"

	// SessionVideo bridges the client to both voice and video upstreams.
	SessionVideo SessionKind = "video"
)

// SessionStatus is the lifecycle state of a live session.
type SessionStatus string

const (
	// SessionConnecting means upstream sockets are still being opened.
	SessionConnecting SessionStatus = "connecting"

	// SessionReady means every required upstream signalled readiness.
	SessionReady SessionStatus = "ready"

	// SessionActive means at least one user turn has been taken.
	SessionActive SessionStatus = "active"

	// SessionEnded is the clean terminal state.
	SessionEnded SessionStatus = "ended"

	// SessionFailed is the error terminal state.
	SessionFailed SessionStatus = "failed"
)

// Role identifies the author of a transcript entry.
type Role string

const (
	// RoleUser is the human side of the conversation.
	RoleUser Role = "user"

	// RoleModel is the LLM side of the conversation.
	RoleModel Role = "model"
)

// TranscriptEntry is one turn of a session transcript, in order.
type TranscriptEntry struct {
	Role Role
	Text string
}
