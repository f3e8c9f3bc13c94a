package protocol

import "time"

// OrderLine is one catalog id with its closed-set quantity label.
type OrderLine struct {
	CatalogID string `json:"catalog_id"`
	Quantity  string `json:"quantity"`
}

// OrderSubmission is published when the user submits the in-progress order.
type OrderSubmission struct {
	UserID      string      `json:"user_id"`
	Items       []OrderLine `json:"items"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// ParsedLine is one item as the parsing collaborator returned it, before
// name resolution.
type ParsedLine struct {
	Vegetable string `json:"vegetable"`
	Quantity  string `json:"quantity"`
}

// VoiceTranscript is the raw transcript log record.
type VoiceTranscript struct {
	SessionID  string       `json:"session_id"`
	Transcript string       `json:"transcript"`
	Items      []ParsedLine `json:"items"`
	Timestamp  time.Time    `json:"timestamp"`
}

// TranscriptFragment mirrors live transcription as it arrives.
type TranscriptFragment struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState announces voice session lifecycle transitions.
type SessionState struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ItemChanged is emitted for every order line that was added, updated or removed.
type ItemChanged struct {
	CatalogID string    `json:"catalog_id"`
	Quantity  string    `json:"quantity"`
	Change    string    `json:"change"`
	Source    string    `json:"source"` // manual, voice, fallback
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectOrderSubmit       = "order.submit"
	SubjectOrderItemChanged  = "order.item.changed"
	SubjectVoiceTranscript   = "voice.transcript"
	SubjectTranscriptPartial = "voice.transcript.partial"
	SubjectSessionState      = "voice.session.state"

	// StreamName captures order and voice subjects for replay.
	StreamName = "VOICEORDER"
)

// StreamSubjects lists the subjects persisted in StreamName.
var StreamSubjects = []string{"order.>", "voice.transcript", "voice.session.state"}
