package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when a credential does not exist or is already revoked
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrUsageRecordNotFound is returned when a customer has no usage row for the current period
	ErrUsageRecordNotFound = errors.New("usage record not found")
)
