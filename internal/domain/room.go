package domain

import (
	"errors"
	"strings"
)

const MaxRoomIDLen = 64

var ErrRoomIDInvalid = errors.New("room id invalid")

type RoomID string

// NewRoomID trims the raw id and rejects empty or oversized values.
func NewRoomID(raw string) (RoomID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDInvalid
	}
	return RoomID(raw), nil
}
