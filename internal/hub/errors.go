package hub

import "errors"

var (
	ErrInvalidRoomID    = errors.New("invalid room id")
	ErrViewportTooLarge = errors.New("viewport too large")
	ErrTooManyRooms     = errors.New("too many rooms")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrRateLimited      = errors.New("rate limit exceeded, slow down")
	ErrHubStopped       = errors.New("hub: stopped")
)
