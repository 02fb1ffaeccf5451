package device

import (
	"time"

	"github.com/e7canasta/facecapture/internal/media"
)

// Null is the device used when no camera is present.
type Null struct{}

// NewNull returns a null device.
func NewNull() *Null { return &Null{} }

func (*Null) AuthorizationState() media.AuthorizationState {
	return media.AuthorizationAuthorized
}

func (*Null) RequestAccess(done func(bool)) { go done(true) }

func (*Null) Capabilities() media.Capability { return media.Capability{} }

func (*Null) Configure(f media.Format, _ time.Duration) error {
	return configurationError(media.Capability{}, f)
}

func (*Null) StartStreaming(func(media.FrameSample)) error { return nil }

func (*Null) StopStreaming() error { return nil }
