package ports

import (
	"context"

	"callsession/internal/core/domain"
)

type Camera struct {
	ID   string
	Name string
}

type DeviceManager interface {
	Cameras(ctx context.Context) ([]Camera, error)
	CreateLocalVideoStream(ctx context.Context, cam Camera) (LocalVideoStream, error)
}

type LocalVideoStream interface {
	VideoSource
	Camera() Camera
	Dispose() error
}

// CapturePermissions probes microphone and camera access before a join.
type CapturePermissions interface {
	Request(ctx context.Context, audio, video bool) (ProbeStream, error)
}

// ProbeStream holds the devices opened by a permission probe.
type ProbeStream interface {
	Stop()
}

type ViewOptions struct {
	ScalingMode string
}

// RendererFactory builds renderers for local or remote video.
type RendererFactory interface {
	NewRenderer(ctx context.Context, src VideoSource) (Renderer, error)
}

type Renderer interface {
	CreateView(ctx context.Context, opts ViewOptions) (View, error)
	Dispose() error
}

type View interface {
	ID() string
}

// Surface is a display target owned by the embedding application.
type Surface interface {
	ID() string
	Mount(v View) error
	Clear() error
}

// SurfaceKind separates the local preview from the remote view.
type SurfaceKind string

const (
	SurfaceLocal  SurfaceKind = "local"
	SurfaceRemote SurfaceKind = "remote"
)

// SurfaceView is a mounted renderer as reported by MediaRenderer.
type SurfaceView struct {
	SurfaceID string
	StreamID  domain.StreamID
	ViewID    string
}
