package service

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAccountInactive      = errors.New("account is not active")
	ErrForbidden            = errors.New("admin role required")
	ErrInvalidRoomID        = errors.New("invalid room id")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInternalServer       = errors.New("internal server error")
)
