package model

import "errors"

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrEmptyPayload     = errors.New("message has no payload")
	ErrAmbiguousPayload = errors.New("message has both text and voice payloads")
)
