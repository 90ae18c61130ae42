package domain

// MediaKind is the raw kind of a track.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// MediaTag is the role of a track, carried end-to-end through
// publish, announce and subscribe. Never inferred from device labels.
type MediaTag string

const (
	TagMic    MediaTag = "mic"
	TagCam    MediaTag = "cam"
	TagScreen MediaTag = "screen"
)

func (t MediaTag) Valid() bool {
	switch t {
	case TagMic, TagCam, TagScreen:
		return true
	}
	return false
}

// Kind reports the media kind a tag is carried on.
func (t MediaTag) Kind() MediaKind {
	if t == TagMic {
		return KindAudio
	}
	return KindVideo
}

// TagForKind maps a captured camera/microphone track to its tag.
func TagForKind(k MediaKind) MediaTag {
	if k == KindAudio {
		return TagMic
	}
	return TagCam
}

// Announcement is a server notice that a remote producer exists.
type Announcement struct {
	ProducerID    string        `json:"producerId"`
	ParticipantID ParticipantID `json:"participantId"`
	MediaTag      MediaTag      `json:"mediaTag"`
	DisplayName   string        `json:"displayName,omitempty"`
}
