package wire

// OutboxEntry is a single not-yet-acknowledged outgoing message.
type OutboxEntry struct {
	// LocalID is the client-generated idempotency key.
	LocalID string `json:"localId"`
	// Content is the base64 ciphertext of the message body.
	Content string `json:"content"`
}

// SubmitBatchRequest submits the client's entire current outbox for a session
// as one batch. Submission is idempotent per localId.
type SubmitBatchRequest struct {
	Messages []OutboxEntry `json:"messages"`
}

// SubmitBatchResult reports the outcome for one submitted outbox entry.
type SubmitBatchResult struct {
	LocalID string `json:"localId"`
	// ID is the server message id (new or pre-existing for duplicates).
	ID string `json:"id"`
	// Seq is the server-assigned per-session sequence number.
	Seq int64 `json:"seq"`
	// Duplicate reports that the localId was already acknowledged earlier.
	Duplicate bool `json:"duplicate,omitempty"`
}

// SubmitBatchResponse acknowledges a batch submission.
type SubmitBatchResponse struct {
	Results []SubmitBatchResult `json:"results"`
	// LastSeq is the highest message seq for the session after the batch.
	LastSeq int64 `json:"lastSeq"`
}

// MessageRecord is a persisted message in fetch responses.
type MessageRecord struct {
	ID        string            `json:"id"`
	Seq       int64             `json:"seq"`
	LocalID   *string           `json:"localId,omitempty"`
	Content   *EncryptedContent `json:"content"`
	CreatedAt int64             `json:"createdAt"`
}

// FetchMessagesResponse is one page of "messages after seq".
type FetchMessagesResponse struct {
	Messages []MessageRecord `json:"messages"`
	// HasMore reports whether another page is pending beyond this one.
	HasMore bool `json:"hasMore"`
}

// VersionedUpdateRequest updates an encrypted field with optimistic
// concurrency. The write is accepted only when ExpectedVersion matches
// server state.
type VersionedUpdateRequest struct {
	Value           string `json:"value"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// Versioned update result discriminators.
const (
	UpdateResultSuccess         = "success"
	UpdateResultVersionMismatch = "version-mismatch"
	UpdateResultError           = "error"
)

// VersionedUpdateResponse acknowledges a versioned field update. On
// "version-mismatch" it carries the authoritative value and version so the
// caller can re-base and retry.
type VersionedUpdateResponse struct {
	Result  string  `json:"result"`
	Version int64   `json:"version,omitempty"`
	Value   *string `json:"value,omitempty"`
}

// ErrorResponse is a generic JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
