package domain

import "errors"

var (
	ErrMatchmakingFailed     = errors.New("matchmaking failed")
	ErrRemoteSessionGone     = errors.New("remote session gone")
	ErrMalformedMessage      = errors.New("malformed message")
	ErrHandshakeMisorder     = errors.New("handshake message out of order")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionAlreadyClaimed = errors.New("session already claimed")
	ErrDescriptionExists     = errors.New("session description already set")
	ErrInvalidRole           = errors.New("invalid role")
	ErrCallInProgress        = errors.New("call already in progress")
	ErrTransportClosed       = errors.New("transport closed")
	ErrCoordinatorStopped    = errors.New("coordinator stopped")
)
