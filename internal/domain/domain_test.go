package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDisplayName(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{"  alice ", "alice", nil},
		{"   ", "", ErrDisplayNameEmpty},
		{strings.Repeat("x", MaxDisplayNameLen), strings.Repeat("x", MaxDisplayNameLen), nil},
		{strings.Repeat("x", MaxDisplayNameLen+1), "", ErrDisplayNameTooLong},
	}
	for _, tc := range cases {
		got, err := NormalizeDisplayName(tc.in)
		assert.ErrorIs(t, err, tc.err)
		assert.Equal(t, tc.want, got)
	}
}

func TestNewRoomID(t *testing.T) {
	id, err := NewRoomID(" standup ")
	assert.NoError(t, err)
	assert.Equal(t, RoomID("standup"), id)

	_, err = NewRoomID("")
	assert.ErrorIs(t, err, ErrRoomIDInvalid)
	_, err = NewRoomID(strings.Repeat("r", MaxRoomIDLen+1))
	assert.ErrorIs(t, err, ErrRoomIDInvalid)
}

func TestMediaTag(t *testing.T) {
	assert.True(t, TagScreen.Valid())
	assert.False(t, MediaTag("webcam").Valid())
	assert.Equal(t, KindAudio, TagMic.Kind())
	assert.Equal(t, KindVideo, TagScreen.Kind())
	assert.Equal(t, TagMic, TagForKind(KindAudio))
	assert.Equal(t, TagCam, TagForKind(KindVideo))
}
