package common

import (
	"github.com/google/uuid"
)

// NewBatchID generates a unique batch ID with the "batch_" prefix
// Format: batch_<uuid>
func NewBatchID() string {
	return "batch_" + uuid.New().String()
}

// NewResultID generates a unique result record ID with the "result_" prefix
// Format: result_<uuid>
func NewResultID() string {
	return "result_" + uuid.New().String()
}
