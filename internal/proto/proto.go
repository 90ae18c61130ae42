// Package proto holds the signaling vocabulary shared with the relay:
// method and event names plus their JSON payloads.
package proto

import (
	"fmt"

	"github.com/dkeye/Conference/internal/domain"
)

// Request/response methods.
const (
	MethodJoinRoom         = "join-room"
	MethodLeaveRoom        = "leave-room"
	MethodRouterCaps       = "getRouterRtpCapabilities"
	MethodCreateTransport  = "createTransport"
	MethodConnectTransport = "connectTransport"
	MethodProduce          = "produce"
	MethodConsume          = "consume"
	MethodApproveJoin      = "approve-join"
	MethodDenyJoin         = "deny-join"
	MethodStopScreenShare  = "stop-screen-share"
	MethodSetPermissions   = "set-permissions"
)

// Server pushed notifications.
const (
	EventJoinRequest        = "join-request"
	EventJoinApproved       = "join-approved"
	EventJoinDenied         = "join-denied"
	EventRoomClosed         = "room-closed"
	EventNewProducer        = "newProducer"
	EventProducerClosed     = "producer-closed"
	EventParticipantLeft    = "participant-left"
	EventScreenShareStopped = "screen-share-stopped"
	EventPermissionsUpdated = "permissions-updated"
)

// EventDisconnected is raised locally by the channel when the socket drops.
const EventDisconnected = "disconnect"

// RemoteError is an `{error}` body returned by the relay inside a successful response.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Ack is the generic `{}` or `{error}` response.
type Ack struct {
	Error string `json:"error,omitempty"`
}

// Err turns a non-empty error body into a *RemoteError.
func (a Ack) Err(method string) error {
	if a.Error == "" {
		return nil
	}
	return &RemoteError{Method: method, Message: a.Error}
}

type Empty struct{}

type JoinRoomRequest struct {
	RoomID      domain.RoomID `json:"roomId"`
	DisplayName string        `json:"displayName"`
}

type JoinRoomResponse struct {
	Ack
	ParticipantID     domain.ParticipantID  `json:"participantId"`
	IsOwner           bool                  `json:"isOwner"`
	ApprovalRequired  bool                  `json:"approvalRequired"`
	ExistingProducers []domain.Announcement `json:"existingProducers"`
}

type CreateTransportRequest struct {
	Consuming bool `json:"consuming"`
}

type ConnectTransportRequest struct {
	TransportID    string         `json:"transportId"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ProduceRequest struct {
	TransportID   string           `json:"transportId"`
	Kind          domain.MediaKind `json:"kind"`
	RtpParameters RtpParameters    `json:"rtpParameters"`
	MediaTag      domain.MediaTag  `json:"mediaTag"`
}

type ProduceResponse struct {
	Ack
	ID string `json:"id"`
}

type ConsumeRequest struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	Ack
	ID            string           `json:"id"`
	ProducerID    string           `json:"producerId"`
	Kind          domain.MediaKind `json:"kind"`
	RtpParameters RtpParameters    `json:"rtpParameters"`
}

type DecideJoinRequest struct {
	TargetParticipantID domain.ParticipantID `json:"targetParticipantId"`
}

type SetPermissionsRequest struct {
	TargetParticipantID domain.ParticipantID `json:"targetParticipantId"`
	Permissions         domain.Permissions   `json:"permissions"`
}

// Pushed event payloads.

type JoinRequestEvent struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"displayName"`
}

type JoinApprovedEvent struct {
	ExistingProducers []domain.Announcement `json:"existingProducers"`
}

type ReasonEvent struct {
	Reason string `json:"reason,omitempty"`
}

type ProducerClosedEvent struct {
	ProducerID string `json:"producerId"`
}

type ParticipantLeftEvent struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type ScreenShareStoppedEvent struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type PermissionsUpdatedEvent struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Permissions   domain.Permissions   `json:"permissions"`
}
