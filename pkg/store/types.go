package store

import (
	"time"

	"github.com/visage-ai/visage/pkg/types"
)

// Job is one audio or video generation request. String fields use the empty
// string for absent values, matching their NOT NULL DEFAULT '' columns.
type Job struct {
	ID      string
	OwnerID string

	// AvatarID selects the voice (audio jobs) or face+voice (video jobs).
	AvatarID string

	Kind      types.JobKind
	InputMode types.InputMode

	// ScriptText is the text to synthesize. Empty for pre-recorded input.
	ScriptText string

	// SourceAudioURL is caller-supplied speech for video jobs with
	// pre-recorded input, or the temp synth location once a script job has
	// produced its audio.
	SourceAudioURL string

	Quality  types.Quality
	Language string

	// UpstreamTaskID is assigned after the render worker accepts the job.
	UpstreamTaskID string

	// ResultURL is the public artifact location; set exactly when the job
	// completes.
	ResultURL string

	Status   types.JobStatus
	Progress int

	// ErrorMessage is set exactly when the job fails or times out.
	ErrorMessage string

	CreatedAt time.Time

	// StartedAt is stamped when a worker takes the job; the reaper measures
	// the processing deadline from it.
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy, detaching the timestamp pointers.
func (j Job) Clone() Job {
	cp := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// JobUpdate is a field-selective patch; nil fields are left untouched.
type JobUpdate struct {
	Progress       *int
	ResultURL      *string
	ErrorMessage   *string
	UpstreamTaskID *string
	SourceAudioURL *string
	CompletedAt    *time.Time
}

// IsZero reports whether the patch changes nothing.
func (u JobUpdate) IsZero() bool {
	return u.Progress == nil && u.ResultURL == nil && u.ErrorMessage == nil &&
		u.UpstreamTaskID == nil && u.SourceAudioURL == nil && u.CompletedAt == nil
}

// Avatar is the visual and vocal identity a user speaks as. Rows are
// append-only from the core's point of view.
type Avatar struct {
	ID      string
	OwnerID string
	Name    string

	// ImageURL is the face artifact video renders animate.
	ImageURL string

	// VoiceSampleURL is the reference speech the voice service clones.
	VoiceSampleURL string

	// Persona is the free-form system prompt for conversations.
	Persona string

	Language  string
	Public    bool
	CreatedAt time.Time
}

// UsageCounter is one per-user per-resource monthly accumulator.
type UsageCounter struct {
	OwnerID  string
	Resource types.Resource
	Used     float64
	Limit    float64

	// CycleStart anchors the billing month this row accumulates for.
	CycleStart time.Time
}

// Remaining is the headroom left in the cycle, never negative.
func (c UsageCounter) Remaining() float64 {
	if r := c.Limit - c.Used; r > 0 {
		return r
	}
	return 0
}

// Session is one live conversation.
type Session struct {
	ID       string
	OwnerID  string
	AvatarID string
	Kind     types.SessionKind
	Language string
	Status   types.SessionStatus

	StartedAt time.Time
	EndedAt   *time.Time
}

// APIKey is a machine-caller principal. Only the salted hash of the secret
// is stored; Prefix keeps the first characters for display and lookup.
type APIKey struct {
	ID      string
	OwnerID string

	// SecretHash is hex(SHA-256(salt || secret)).
	SecretHash string

	// Salt is the per-key random salt, hex-encoded.
	Salt string

	// Prefix is the first characters of the secret, shown in dashboards
	// and used to narrow lookup.
	Prefix string

	// Resources lists the resource names this key may touch.
	Resources []string

	Active     bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// PermitsResource reports whether the key may touch the named resource.
// An empty resource set permits everything.
func (k APIKey) PermitsResource(name string) bool {
	if len(k.Resources) == 0 {
		return true
	}
	for _, r := range k.Resources {
		if r == name {
			return true
		}
	}
	return false
}

// Expired reports whether the key is past its expiry at the given time.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
