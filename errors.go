package roomkit

import "errors"

var (
	ErrEngineClosed  = errors.New("engine: engine is closed")
	ErrAlreadyInRoom = errors.New("session: already in room")
	ErrNotInRoom     = errors.New("session: not in room")
	ErrInvalidParams = errors.New("session: invalid params")

	ErrStreamUnavailable = errors.New("slot: remote stream is not available")
	ErrInvalidTarget     = errors.New("slot: invalid render target")
	ErrSlotClosed        = errors.New("slot: slot is closed")
	ErrNoEncoder         = errors.New("slot: no encoder configured")

	ErrDeviceNotFound    = errors.New("device: device not found")
	ErrDeviceUnavailable = errors.New("device: device unavailable")

	ErrInvalidStreamReference = errors.New("mix: invalid stream reference")

	ErrQuotaExceeded       = errors.New("message: quota exceeded")
	ErrExpired             = errors.New("message: sei message expired")
	ErrInvalidCmdID        = errors.New("message: cmd id must be between 1 and 10")
	ErrPayloadTooLarge     = errors.New("message: payload too large")
	ErrEmptyPayload        = errors.New("message: empty payload")
	ErrReliabilityMismatch = errors.New("message: reliable and ordered must match")
	ErrInvalidRepeatCount  = errors.New("message: invalid sei repeat count")
	ErrMissedMessage       = errors.New("message: ordered message missed")

	ErrUnsupportedAPI = errors.New("experimental: unsupported api")
	ErrMetaNotFound   = errors.New("meta: metadata not found")
)
