package webhook

// PhoneCallMeta carries the telephony half of a provider event.
type PhoneCallMeta struct {
	Direction          string `json:"direction"`
	ExternalNumber     string `json:"external_number"`
	AgentPhoneNumberID string `json:"agent_phone_number_id"`
}

// BatchCallMeta links an event to a batch campaign recipient.
type BatchCallMeta struct {
	BatchCallID string `json:"batch_call_id"`
	RecipientID string `json:"recipient_id"`
}

// EventMetadata is the metadata envelope shared by lifecycle events.
// TenantID is an explicit hint and wins over any lookup-based resolution.
type EventMetadata struct {
	TenantID  *int64         `json:"tenant_id,omitempty"`
	PhoneCall *PhoneCallMeta `json:"phone_call,omitempty"`
	BatchCall *BatchCallMeta `json:"batch_call,omitempty"`
}

// CallStartedEvent is the provider's call-started payload.
type CallStartedEvent struct {
	ConversationID string        `json:"conversation_id"`
	AgentID        string        `json:"agent_id"`
	Metadata       EventMetadata `json:"metadata"`
}

// CallEndedEvent is the provider's call-ended payload. The post-call
// transcription event is the same semantic shape delivered later.
type CallEndedEvent struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	Data           struct {
		Metadata struct {
			CallDurationSecs int `json:"call_duration_secs"`
		} `json:"metadata"`
	} `json:"data"`
	Transcript string        `json:"transcript,omitempty"`
	Analysis   any           `json:"analysis,omitempty"`
	Metadata   EventMetadata `json:"metadata"`
}
