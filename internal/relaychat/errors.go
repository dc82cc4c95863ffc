package relaychat

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidToken   = errors.New("invalid token")
	ErrUnknownChat    = errors.New("unknown chat")
	ErrUserNotInChat  = errors.New("user not in chat")
	ErrNotImplemented = errors.New("not implemented")
	ErrChannelClosed  = errors.New("channel closed")
	ErrChannelFull    = errors.New("channel full")
)
