package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. The part before the first dot is the namespace used by
// Subscribe.
const (
	KindConversationListReplaced = "conversation.list_replaced"
	KindConversationMerged       = "conversation.merged"

	KindMessageSnapshot    = "message.snapshot"
	KindMessageTranscribed = "message.transcribed"

	KindComposerSending = "composer.sending"
	KindComposerSent    = "composer.sent"
	KindComposerFailed  = "composer.failed"

	KindVoiceStateChanged = "voice.state_changed"
	KindVoiceElapsed      = "voice.elapsed"

	KindPlaybackStateChanged = "playback.state_changed"

	KindPresenceProfile = "presence.profile_refreshed"

	KindVisibility = "ui.visibility"

	KindSessionStatusChanged = "session.status_changed"

	KindAPIUnauthorized = "api.unauthorized"
	KindAPIBreaker      = "api.breaker_state"
)
