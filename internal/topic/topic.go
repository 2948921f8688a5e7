package topic

import "strings"

// Channel is the first segment of a broker topic. Firmware publishes on a
// fixed set of channels; anything else is carried through as an opaque value
// so a misbehaving device cannot crash the relay.
type Channel string

const (
	SyncRequest   Channel = "sync-request"
	SyncBroadcast Channel = "sync-broadcast"
	SyncInternal  Channel = "sync-internal"
	Press         Channel = "press"
	RingCommand   Channel = "ring-command"
)

const separator = ":"

// Known reports whether ch is one of the channels the bridge acts on.
func (ch Channel) Known() bool {
	switch ch {
	case SyncRequest, SyncBroadcast, SyncInternal, Press, RingCommand:
		return true
	}
	return false
}

// Parse splits a raw broker topic into its channel tag and device key.
// Parsing is total: a topic without a separator yields an empty key, and an
// unrecognized tag is preserved as-is.
func Parse(raw string) (Channel, string) {
	tag, key, _ := strings.Cut(raw, separator)
	return Channel(tag), key
}

// Format renders a topic string for publishing.
func Format(ch Channel, key string) string {
	return string(ch) + separator + key
}

// ValidKey reports whether key may be assigned to a device. Keys embedding
// the topic separator would be unparseable on the wire, so they are refused
// at registration instead of escaped.
func ValidKey(key string) bool {
	if len(key) < 5 {
		return false
	}
	return !strings.Contains(key, separator)
}
