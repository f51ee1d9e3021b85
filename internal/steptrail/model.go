package steptrail

import (
	"time"
)

type StepType string

const (
	StepClick    StepType = "click"
	StepKey      StepType = "key"
	StepInput    StepType = "input"
	StepSelect   StepType = "select"
	StepToggle   StepType = "toggle"
	StepNavigate StepType = "navigate"
	StepScroll   StepType = "scroll"
)

func (t StepType) Valid() bool {
	switch t {
	case StepClick, StepKey, StepInput, StepSelect, StepToggle, StepNavigate, StepScroll:
		return true
	}
	return false
}

type SyncState string

const (
	SyncLocal   SyncState = "local"
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
	SyncBlocked SyncState = "blocked"
)

func (s SyncState) Valid() bool {
	switch s {
	case SyncLocal, SyncPending, SyncSynced, SyncFailed, SyncBlocked:
		return true
	}
	return false
}

type SyncReason string

const (
	ReasonManual   SyncReason = "manual"
	ReasonAutoStop SyncReason = "auto-stop"
	ReasonManualID SyncReason = "manual-id"
)

func (r SyncReason) Valid() bool {
	switch r {
	case ReasonManual, ReasonAutoStop, ReasonManualID:
		return true
	}
	return false
}

// Audit log entry types.
const (
	EventCaptureStarted = "capture.started"
	EventCaptureStopped = "capture.stopped"
	EventSessionCreated = "session.created"
	EventSessionDeleted = "session.deleted"
	EventStepDiscarded  = "step.discarded"
	EventSyncEnqueued   = "sync.enqueued"
	EventSyncSucceeded  = "sync.succeeded"
	EventSyncRetry      = "sync.retry"
	EventSyncFailed     = "sync.failed"
	EventSyncBlocked    = "sync.blocked"
	EventStoreMigrated  = "store.migrated"
	EventConfigUpdated  = "config.updated"
)

type SyncStatus struct {
	Status       SyncState  `json:"status"`
	Revision     int        `json:"revision"`
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	ErrorCode    ErrorCode  `json:"errorCode,omitempty"`
}

type Session struct {
	ID         string     `json:"id"`
	TabID      int        `json:"tabId"`
	StartURL   string     `json:"startUrl"`
	StartTitle string     `json:"startTitle"`
	LastURL    string     `json:"lastUrl"`
	LastTitle  string     `json:"lastTitle"`
	StartedAt  time.Time  `json:"startedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StepsCount int        `json:"stepsCount"`
	Sync       SyncStatus `json:"sync"`
}

type Target struct {
	Tag   string `json:"tag,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
	Role  string `json:"role,omitempty"`
	Label string `json:"label,omitempty"`
	Text  string `json:"text,omitempty"`
}

type Modifiers struct {
	Alt   bool `json:"alt"`
	Ctrl  bool `json:"ctrl"`
	Meta  bool `json:"meta"`
	Shift bool `json:"shift"`
}

// Annotation geometry is expressed as fractions of the thumbnail.
type Annotation struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Label  string  `json:"label"`
}

type Step struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"sessionId"`
	StepIndex        int            `json:"stepIndex"`
	Type             StepType       `json:"type"`
	At               time.Time      `json:"ts"`
	URL              string         `json:"url"`
	Title            string         `json:"title"`
	Key              string         `json:"key,omitempty"`
	Modifiers        Modifiers      `json:"modifiers"`
	Value            string         `json:"value,omitempty"`
	InputType        string         `json:"inputType,omitempty"`
	OptionValue      string         `json:"optionValue,omitempty"`
	OptionText       string         `json:"optionText,omitempty"`
	Checked          *bool          `json:"checked,omitempty"`
	ScrollX          *int           `json:"scrollX,omitempty"`
	ScrollY          *int           `json:"scrollY,omitempty"`
	NavigationKind   string         `json:"navigationKind,omitempty"`
	FromURL          string         `json:"fromUrl,omitempty"`
	Target           *Target        `json:"target,omitempty"`
	Selectors        map[string]any `json:"selectors,omitempty"`
	ThumbnailDataURL string         `json:"thumbnailDataUrl,omitempty"`
	Annotations      []Annotation   `json:"annotations"`
}

// SyncQueueItem is one outstanding upload obligation. A zero NextRetryAt
// parks the item until someone re-enqueues the session.
type SyncQueueItem struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"sessionId"`
	Reason        SyncReason `json:"reason"`
	Attempt       int        `json:"attempt"`
	AuthAttempt   int        `json:"authAttempt"`
	NextRetryAt   time.Time  `json:"nextRetryAt"`
	LastErrorCode ErrorCode  `json:"lastErrorCode,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (i SyncQueueItem) Parked() bool {
	return i.NextRetryAt.IsZero()
}

type SyncConfig struct {
	Enabled          bool     `json:"enabled"`
	AutoUploadOnStop bool     `json:"autoUploadOnStop"`
	EndpointURL      string   `json:"endpointUrl"`
	AllowedEmails    []string `json:"allowedEmails"`
	MaskInputValues  bool     `json:"maskInputValues"`
}

type SyncRunState struct {
	LastRunAt     *time.Time `json:"lastRunAt"`
	SuccessCount  int        `json:"successCount"`
	FailureCount  int        `json:"failureCount"`
	QuotaWarning  bool       `json:"quotaWarning"`
	LastErrorCode ErrorCode  `json:"lastErrorCode,omitempty"`
}

type CaptureState struct {
	IsCapturing bool       `json:"isCapturing"`
	StartedAt   *time.Time `json:"startedAt"`
	TabID       int        `json:"tabId,omitempty"`
}

type EventLogEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	At        time.Time `json:"at"`
	SessionID string    `json:"sessionId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// State is the persisted store document.
type State struct {
	SchemaVersion int             `json:"schemaVersion"`
	CaptureState  CaptureState    `json:"captureState"`
	Sessions      []Session       `json:"sessions"`
	Steps         []Step          `json:"steps"`
	TabToSession  map[int]string  `json:"tabToSession"`
	EventLog      []EventLogEntry `json:"eventLog"`
	SyncConfig    SyncConfig      `json:"syncConfig"`
	SyncQueue     []SyncQueueItem `json:"syncQueue"`
	SyncState     SyncRunState    `json:"syncState"`

	// repaired marks a document that needed field coercion on decode.
	repaired bool
}

// SenderContext identifies where an event came from.
type SenderContext struct {
	TabID    int    `json:"tabId"`
	TargetID string `json:"targetId,omitempty"`
}

type IngestResult struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	StepID    string `json:"stepId,omitempty"`
	StepIndex int    `json:"stepIndex,omitempty"`
	Thumbnail bool   `json:"thumbnail,omitempty"`
}

type DiscardResult struct {
	Discarded  bool   `json:"discarded"`
	SessionID  string `json:"sessionId,omitempty"`
	StepID     string `json:"stepId,omitempty"`
	StepsCount int    `json:"stepsCount"`
}

type CaptureStatus struct {
	IsCapturing bool       `json:"isCapturing"`
	StartedAt   *time.Time `json:"startedAt"`
	SessionID   string     `json:"sessionId"`
	StepsCount  int        `json:"stepsCount"`
	SyncStatus  SyncState  `json:"syncStatus"`
}

type SessionDetail struct {
	Session Session `json:"session"`
	Steps   []Step  `json:"steps"`
}

type SyncOverview struct {
	Config SyncConfig      `json:"config"`
	State  SyncRunState    `json:"state"`
	Queue  []SyncQueueItem `json:"queue"`
}

// UploadReceipt is what the remote endpoint acknowledges for a stored session.
type UploadReceipt struct {
	Revision   int       `json:"revision"`
	UploadedAt time.Time `json:"uploadedAt"`
	FileID     string    `json:"fileId"`
}
