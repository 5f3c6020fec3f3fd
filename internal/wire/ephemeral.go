package wire

// Ephemeral type discriminators. Ephemeral events are best-effort: never
// persisted, never carry a seq, no redelivery contract.
const (
	EphemeralActivity        = "activity"
	EphemeralUsage           = "usage"
	EphemeralMachineActivity = "machine-activity"
	EphemeralTextDelta       = "text-delta"
)

// EphemeralPayload is the tagged-union payload for "ephemeral" events.
type EphemeralPayload struct {
	// Type is the ephemeral discriminator (e.g. "activity").
	Type string `json:"type"`
	// ID is the session or machine id the event refers to.
	ID string `json:"id"`
	// Active reports presence state for activity-style events.
	Active bool `json:"active"`
	// ActiveAt is the presence timestamp in unix millis.
	ActiveAt int64 `json:"activeAt,omitempty"`
	// Thinking reports agent busy state for session activity events.
	Thinking *bool `json:"thinking,omitempty"`
	// Delta is the incremental text payload for "text-delta" events.
	Delta string `json:"delta,omitempty"`
	// Data carries opaque payloads for forwarded ephemerals (e.g. usage).
	Data any `json:"data,omitempty"`
}

// SessionActivity builds an "activity" ephemeral for a session.
func SessionActivity(sessionID string, active, thinking bool, atMs int64) EphemeralPayload {
	return EphemeralPayload{
		Type:     EphemeralActivity,
		ID:       sessionID,
		Active:   active,
		ActiveAt: atMs,
		Thinking: &thinking,
	}
}

// MachineActivity builds a "machine-activity" ephemeral for a machine.
func MachineActivity(machineID string, active bool, atMs int64) EphemeralPayload {
	return EphemeralPayload{
		Type:     EphemeralMachineActivity,
		ID:       machineID,
		Active:   active,
		ActiveAt: atMs,
	}
}
