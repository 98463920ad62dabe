package models

import "errors"

// AuthStatus represents the current calendar authorization status.
type AuthStatus string

const (
	AuthNotDetermined AuthStatus = "Not Determined"
	AuthRestricted    AuthStatus = "Restricted"
	AuthDenied        AuthStatus = "Denied"
	AuthAuthorized    AuthStatus = "Authorized"
)

var (
	ErrAccessDenied = errors.New("calendar access denied")
	ErrNotFound     = errors.New("event not found")
)
