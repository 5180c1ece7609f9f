package domain

import "errors"

var (
	// ErrAlreadyExists is returned when a session is created twice for a user.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrUnknownUser is returned for a user id with no active session.
	ErrUnknownUser = errors.New("User ID unrecognised.")
	// ErrHorizonExceeded is returned when a round would exceed the game horizon.
	ErrHorizonExceeded = errors.New("horizon exceeded")
	// ErrUnknownJob is returned for a job id never issued to the caller.
	ErrUnknownJob = errors.New("job not found")
	// ErrValidation marks rejected input.
	ErrValidation = errors.New("invalid request")
	// ErrSessionFinished is returned when a job is requested after the last round.
	ErrSessionFinished = errors.New("game already finished")
	// ErrSessionFailed is returned once a computation for the user failed or stalled.
	ErrSessionFailed = errors.New("game ended with an error")
	// ErrNoPendingTransfer is returned when a return arrives before the bot invested.
	ErrNoPendingTransfer = errors.New("no pending transfer")
	// ErrNotFound is returned by stores for a missing record.
	ErrNotFound = errors.New("not found")
)
