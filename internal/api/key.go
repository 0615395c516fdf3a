package api

import (
	"github.com/google/uuid"
	"github.com/howeyc/crc16"
)

// KeyFromRequestID derives the ring routing key from a correlation id.
func KeyFromRequestID(id string) uint64 {
	return uint64(crc16.Checksum([]byte(id), crc16.IBMTable))
}

// NewRequestID mints a correlation id for requests that arrive without one.
func NewRequestID() string {
	return uuid.New().String()
}
