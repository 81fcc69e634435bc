package model

import "context"

// Uploader delivers an encoded payload, e.g. a telemetry snapshot, to its
// destination.
type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
