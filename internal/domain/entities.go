package domain

import "time"

// JobStatus is the canonical status of a Job and of a DedupeEntry. The
// dedupe store adapters persist these values as-is; other status
// vocabularies (pending, waiting, task_created, create_start, deduped, ...)
// are not translated.
type JobStatus string

// Job status values, matching the state machine in spec §4.11.
const (
	JobCreated   JobStatus = "created"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
	JobTimeout   JobStatus = "timeout"
	JobCompleted JobStatus = "completed"
	JobDelivered JobStatus = "delivered"
)

// Terminal reports whether status has no outgoing transition. timeout is
// deliberately excluded: the Pending Reconciler re-enters it.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDelivered, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// order gives each non-terminal status a rank so CanTransition can reject
// regressions. queued and running may move either way (poll results can
// report a task moving back to queued behind the provider's own queue).
var statusOrder = map[JobStatus]int{
	JobCreated:   0,
	JobQueued:    1,
	JobRunning:   1,
	JobTimeout:   1,
	JobSucceeded: 2,
	JobCompleted: 3,
	JobDelivered: 4,
	JobFailed:    4,
	JobCanceled:  4,
}

// CanTransition reports whether moving from s to next is legal: terminal
// states never move, and status is otherwise monotonic except queued<->running.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if (s == JobQueued && next == JobRunning) || (s == JobRunning && next == JobQueued) {
		return true
	}
	if s == JobRunning && next == JobTimeout {
		return true
	}
	if s == JobTimeout && (next == JobRunning || next == JobFailed || next == JobSucceeded) {
		return true
	}
	return statusOrder[next] >= statusOrder[s]
}

// MediaKind is the classified output media type of a completed job.
type MediaKind string

// Media kinds, matching spec §3's ModelSpec.output_media_type and §4.6's
// classification outcomes.
const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaText     MediaKind = "text"
	MediaDocument MediaKind = "document"
)

// ProviderState is the provider's task state, normalized from the raw
// case-insensitive strings in spec §6 (waiting, queuing, generating,
// running, success/completed/succeeded, fail/failed/error,
// cancel/cancelled/canceled).
type ProviderState string

// Normalized provider states.
const (
	ProviderQueued    ProviderState = "queued"
	ProviderRunning   ProviderState = "running"
	ProviderSucceeded ProviderState = "succeeded"
	ProviderFailed    ProviderState = "failed"
	ProviderCanceled  ProviderState = "canceled"
	ProviderUnknown   ProviderState = "unknown"
)

// NormalizeProviderState maps one of the provider's raw state strings to
// the canonical ProviderState enum.
func NormalizeProviderState(raw string) ProviderState {
	switch raw {
	case "waiting", "queuing", "queued":
		return ProviderQueued
	case "generating", "running":
		return ProviderRunning
	case "success", "completed", "succeeded":
		return ProviderSucceeded
	case "fail", "failed", "error":
		return ProviderFailed
	case "cancel", "cancelled", "canceled":
		return ProviderCanceled
	default:
		return ProviderUnknown
	}
}

// Job is the orchestrator's unit of work, owned by the Job Engine.
type Job struct {
	JobID             string
	RequestID         string
	UserID            string
	ModelID           string
	PromptFingerprint string
	Params            map[string]any
	ProviderTaskID    string
	Status            JobStatus
	ResultURLs        []string
	ResultText        string
	ErrorCode         ErrorCode
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DedupeKey builds the (user, model, prompt_fingerprint) key used by the
// Dedupe Store and Distributed Lock.
func DedupeKey(userID, modelID, promptFingerprint string) string {
	return userID + ":" + modelID + ":" + promptFingerprint
}

// DedupeEntry is keyed by (user_id, model_id, prompt_fingerprint) and
// shared between the Job Engine and both reconcilers.
type DedupeEntry struct {
	UserID            string
	ModelID           string
	PromptFingerprint string
	JobID             string
	ProviderTaskID    string
	Status            JobStatus
	RequestID         string
	MediaType         MediaKind
	ResultURLs        []string
	ResultText        string
	UpdatedTS         time.Time
	RecoveryAttempts  int
	LastRecoveryTS    time.Time
	OrphanNotifiedTS  time.Time
}

// Key returns the store key for this entry.
func (e DedupeEntry) Key() string {
	return DedupeKey(e.UserID, e.ModelID, e.PromptFingerprint)
}

// DeliveryStatus is the state of a DeliveryRecord.
type DeliveryStatus string

// Delivery statuses, per spec §3.
const (
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
)

// DeliveryRecord is keyed by (user_id, provider_task_id) and owned jointly
// by the Delivery Pipeline and the Pending Reconciler.
type DeliveryRecord struct {
	UserID         string
	ProviderTaskID string
	Status         DeliveryStatus
	Attempts       int
	Error          string
	ResultURLs     []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeliveredAt    *time.Time
	// Charged marks that CommitPostDeliveryCharge has already run for this
	// (user_id, provider_task_id); it is the durable half of the billing
	// gate's exactly-once guard, checked in addition to the in-process map
	// so a crash between MarkDelivered and the charge can't double-bill on
	// the next reconciler sweep.
	Charged bool
}

// HourlyFreeUsage is keyed by user_id; the window slides hourly.
type HourlyFreeUsage struct {
	UserID      string
	WindowStart time.Time
	UsedCount   int
}

// Expired reports whether the hourly window should reset as of now.
func (h HourlyFreeUsage) Expired(now time.Time) bool {
	return now.Sub(h.WindowStart) >= time.Hour
}

// ReferralBonusBank is an integer counter of extra free generations per
// user_id, awarded by referrals.
type ReferralBonusBank struct {
	UserID  string
	Balance int
}

// FieldSpec describes one input field of a ModelSpec, used by the Job
// Engine's Validate phase to filter and coerce caller-supplied params.
type FieldSpec struct {
	Name     string
	Type     string // "string", "number", "bool", "enum", "url", "url_list"
	Required bool
	Enum     []string
	Min      *float64
	Max      *float64
	Default  any
	// ProviderField is the provider's field name for this input, when it
	// differs from Name (e.g. image_input -> image_urls per model).
	ProviderField string
}

// SKUPrice is one priced variant of a model.
type SKUPrice struct {
	SKUID       string
	PriceRUB    float64
	FreeEligible bool
}

// ModelSpec is consumed read-only from the Catalog collaborator; the core
// never mutates it.
type ModelSpec struct {
	ModelID         string
	KIEModel        string
	InputSchema     []FieldSpec
	OutputMediaType MediaKind
	SKUs            []SKUPrice
}

// FindSKU looks up a priced SKU by id.
func (m ModelSpec) FindSKU(skuID string) (SKUPrice, bool) {
	for _, s := range m.SKUs {
		if s.SKUID == skuID {
			return s, true
		}
	}
	return SKUPrice{}, false
}

// JobResult is the Job Engine's terminal output, produced by the Result
// Normalizer and consumed by the Delivery Pipeline.
type JobResult struct {
	TaskID    string
	State     ProviderState
	MediaType MediaKind
	URLs      []string
	Text      string
	Raw       map[string]any
}
