package domain

import "errors"

var (
	// ErrInvalidAnswer is returned when a submitted answer lacks a required field.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrMalformedAnswer marks a stored answer that cannot be migrated.
	ErrMalformedAnswer = errors.New("malformed answer")
	// ErrMalformedTimestamp marks a timestamp that is neither an epoch nor an ISO date.
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	// ErrMalformedRecord marks user data that is not shaped like a user record.
	ErrMalformedRecord = errors.New("malformed user record")
	// ErrUnrecognizedImport is returned when an import document matches no known backup shape.
	ErrUnrecognizedImport = errors.New("unrecognized import document")
	// ErrNoUsername is returned when a session operation needs an identity and none is set.
	ErrNoUsername = errors.New("username not set")
	// ErrUserNotInBackup is returned when single-user restoration finds no data for that user.
	ErrUserNotInBackup = errors.New("user not found in backup")
	// ErrStorageQuota is returned by client storage when a write exceeds its quota.
	ErrStorageQuota = errors.New("storage quota exceeded")
	// ErrKeyNotFound is returned by key/value storage for missing keys.
	ErrKeyNotFound = errors.New("key not found")
	// ErrRelayUnavailable wraps transport failures talking to the relay.
	ErrRelayUnavailable = errors.New("relay unavailable")
	// ErrBridgeClosed is returned when operating on a bridge after Close.
	ErrBridgeClosed = errors.New("bridge closed")
	// ErrSessionClosed is returned by session operations after Close.
	ErrSessionClosed = errors.New("session closed")
)
