package client

import (
	"errors"
)

var ErrNotConnected = errors.New("backend not connected")
var ErrBackendUnreachable = errors.New("backend unreachable, reconnect attempts exhausted")
var ErrRegisterRejected = errors.New("registration rejected by backend")
var ErrOfflineQueueFull = errors.New("offline queue full")
var ErrMessageTooLarge = errors.New("message exceeds size cap")
