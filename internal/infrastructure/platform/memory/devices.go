package memory

import (
	"context"
	"fmt"
	"sync"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
)

// Devices is an in-memory device manager.
type Devices struct {
	mu         sync.Mutex
	cameras    []ports.Camera
	failCreate error
	created    []*LocalStream
	seq        int
}

func NewDevices(cameras ...ports.Camera) *Devices {
	return &Devices{cameras: cameras}
}

// SetCameras replaces the enumerated camera list.
func (d *Devices) SetCameras(cameras ...ports.Camera) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cameras = cameras
}

// FailCreate makes CreateLocalVideoStream return err (nil clears).
func (d *Devices) FailCreate(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCreate = err
}

func (d *Devices) Cameras(ctx context.Context) ([]ports.Camera, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ports.Camera(nil), d.cameras...), nil
}

func (d *Devices) CreateLocalVideoStream(ctx context.Context, cam ports.Camera) (ports.LocalVideoStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreate != nil {
		return nil, d.failCreate
	}
	d.seq++
	s := &LocalStream{id: domain.StreamID(fmt.Sprintf("local-%s-%d", cam.ID, d.seq)), camera: cam}
	d.created = append(d.created, s)
	return s, nil
}

// Created returns every local stream handed out.
func (d *Devices) Created() []*LocalStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*LocalStream(nil), d.created...)
}

type LocalStream struct {
	id     domain.StreamID
	camera ports.Camera

	mu       sync.Mutex
	disposed bool
}

func (s *LocalStream) StreamID() domain.StreamID { return s.id }
func (s *LocalStream) Camera() ports.Camera      { return s.camera }

func (s *LocalStream) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	return nil
}

func (s *LocalStream) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Permissions grants or denies capture probes.
type Permissions struct {
	mu     sync.Mutex
	deny   error
	probes []*Probe
}

func NewPermissions() *Permissions { return &Permissions{} }

// Deny makes every following Request fail with err (nil grants again).
func (p *Permissions) Deny(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deny = err
}

func (p *Permissions) Request(ctx context.Context, audio, video bool) (ports.ProbeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deny != nil {
		return nil, p.deny
	}
	pr := &Probe{Audio: audio, Video: video}
	p.probes = append(p.probes, pr)
	return pr, nil
}

// Probes returns every granted probe.
func (p *Permissions) Probes() []*Probe {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Probe(nil), p.probes...)
}

type Probe struct {
	Audio, Video bool

	mu      sync.Mutex
	stopped bool
}

func (p *Probe) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *Probe) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
