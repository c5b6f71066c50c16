package webrtc

import "errors"

var (
	// ErrMalformedSignal marks an inbound signal that was dropped.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrICEFailed is reported when connectivity checks fail for good.
	ErrICEFailed = errors.New("ICE connection failed")

	// ErrPeerClosed is reported when the connection closes before it
	// was established.
	ErrPeerClosed = errors.New("peer connection closed")

	// ErrRemoteHangup is reported when the remote ends the call before
	// the connection was established.
	ErrRemoteHangup = errors.New("remote hung up")

	// ErrDestroyed resolves a pending Connect when the manager is destroyed.
	ErrDestroyed = errors.New("manager destroyed")

	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("connect already called")

	// ErrNotConnected is returned by ReplaceStream outside the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrNoSignaling is returned when a Manager is built without signaling.
	ErrNoSignaling = errors.New("signaling adapter required")
)
