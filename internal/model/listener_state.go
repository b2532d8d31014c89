package model

import "time"

// ListenerState is the persisted cursor of one contract listener.
type ListenerState struct {
	Name               string    `json:"name"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at"`
}
