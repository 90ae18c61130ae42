// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type ParticipantID string

type Role string

const (
	RoleGuest Role = "guest"
	RoleOwner Role = "owner"
)

// Permissions are the per-participant flags an owner may edit.
type Permissions struct {
	Chat        bool `json:"chat"`
	ScreenShare bool `json:"screenShare"`
}

// DefaultPermissions is what a freshly admitted participant gets.
func DefaultPermissions() Permissions {
	return Permissions{Chat: true, ScreenShare: true}
}

// Participant is the meta of a remote peer as seen by the local client.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	Permissions Permissions   `json:"permissions"`
}

// JoinRequest is a pending admission awaiting the owner's decision.
type JoinRequest struct {
	ParticipantID ParticipantID `json:"participantId"`
	DisplayName   string        `json:"displayName"`
}

// NormalizeDisplayName trims and validates a user supplied name.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
