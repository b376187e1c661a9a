package services

import (
	"context"
	"errors"
	"testing"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/internal/infrastructure/platform/memory"
	apperrors "callsession/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRoom_ConnectsAndRecordsRoom(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.controller.Subscribe()
	defer cancel()
	events := collect(ch)

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)

	snap := h.controller.Snapshot()
	assert.True(t, snap.Initialized)
	assert.True(t, snap.Active)
	assert.Equal(t, "ROOM1", snap.RoomID)
	assert.Equal(t, "handle-ROOM1", snap.RoomHandle)
	assert.Equal(t, domain.CallKindRoom, snap.Kind)
	assert.True(t, snap.CameraOn)
	assert.Empty(t, snap.Error)

	call := h.backend.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, ports.Locator{Kind: ports.LocatorGroup, ID: "handle-ROOM1"}, call.Locator())
	assert.Len(t, call.LocalVideo(), 1)

	probes := h.perms.Probes()
	require.Len(t, probes, 1)
	assert.True(t, probes[0].Stopped())

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(
			[]domain.CallState{domain.StateConnecting, domain.StateConnected},
			stateTrail(events()))
	}, waitFor, tick)
	assert.Equal(t, []domain.CallKind{domain.CallKindRoom}, h.metrics.started)
}

func TestJoinRoom_SecondJoinIsRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)

	err := h.controller.JoinRoom(context.Background(), "ROOM2")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallInProgress))
	err = h.controller.StartCall(context.Background(), "8:acs:bob")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallInProgress))

	assert.Len(t, h.backend.Calls(), 1)
	assert.Equal(t, "ROOM1", h.controller.Snapshot().RoomID)
	assert.Equal(t, "A call is already in progress. Please end it first.", h.controller.Snapshot().Error)
}

func TestJoinRoom_EmptyIDIsInvalid(t *testing.T) {
	h := newHarness(t)

	err := h.controller.JoinRoom(context.Background(), "  ")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	err = h.controller.StartCall(context.Background(), "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	assert.Equal(t, domain.StateIdle, h.controller.State())
	assert.Equal(t, "Target ID is required", h.controller.Snapshot().Error)
	assert.Empty(t, h.backend.Clients())
}

func TestJoinRoom_PermissionDeniedBeforePlatform(t *testing.T) {
	h := newHarness(t)
	h.perms.Deny(domain.ErrPermissionDenied)

	err := h.controller.JoinRoom(context.Background(), "ROOM1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMediaPermission))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	assert.Empty(t, h.backend.Clients())
	snap := h.controller.Snapshot()
	assert.Equal(t, domain.StateDisconnected, snap.State)
	assert.False(t, snap.Active)
	assert.Contains(t, snap.Error, "Media access denied")
	assert.Empty(t, snap.RoomID)
}

func TestJoinRoom_InitializationErrorReturnedAsIs(t *testing.T) {
	h := newHarness(t)
	authErr := apperrors.NewAuthError(errors.New("Failed to get token"), "failed to get access token")
	h.creds.setErr(authErr)

	err := h.controller.JoinRoom(context.Background(), "ROOM1")
	assert.Same(t, authErr, err)
	assert.Equal(t, "Failed to get token", h.controller.Snapshot().Error)
	assert.True(t, h.controller.State().IsRest())

	h.creds.setErr(nil)
	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)
	assert.Empty(t, h.controller.Snapshot().Error)
}

func TestJoinRoom_DegradedResolutionWarns(t *testing.T) {
	h := newHarness(t)
	h.resolver.degraded = true
	ch, cancel := h.controller.Subscribe()
	defer cancel()
	events := collect(ch)

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)

	assert.Equal(t, "room directory unavailable", h.controller.Snapshot().Warning)
	require.Eventually(t, func() bool {
		for _, ev := range events() {
			if ev.Type == domain.EventWarning {
				return ev.Message == "room directory unavailable"
			}
		}
		return false
	}, waitFor, tick)
}

func TestJoinRoom_DirectoryFailureIsFatalUnderFailPolicy(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = apperrors.NewDirectoryUnavailableError(errors.New("dial tcp: refused"))

	err := h.controller.JoinRoom(context.Background(), "ROOM1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDirectoryUnavailable))
	assert.Empty(t, h.backend.Calls())
	assert.Equal(t, domain.StateDisconnected, h.controller.State())
}

func TestJoinRoom_WithoutCameraJoinsAudioOnly(t *testing.T) {
	h := newHarness(t)
	h.devices.SetCameras()

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)
	assert.False(t, h.controller.Snapshot().CameraOn)
	assert.Empty(t, h.backend.LastCall().LocalVideo())
}

func TestJoinRoom_CameraFailureJoinsAudioOnly(t *testing.T) {
	h := newHarness(t)
	h.devices.FailCreate(errors.New("camera busy"))

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	assert.Empty(t, h.backend.LastCall().LocalVideo())
}

func TestJoinRoom_DialFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.FailDial = errors.New("group not reachable")

	err := h.controller.JoinRoom(context.Background(), "ROOM1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePlatform))
	assert.Equal(t, domain.StateDisconnected, h.controller.State())
	for _, s := range h.devices.Created() {
		assert.True(t, s.Disposed())
	}
}

func TestStartCall_DialsParticipant(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.controller.StartCall(context.Background(), "8:acs:bob"))
	h.waitState(t, domain.StateConnected)

	call := h.backend.LastCall()
	assert.Equal(t, ports.Locator{Kind: ports.LocatorParticipant, ID: "8:acs:bob"}, call.Locator())
	assert.Empty(t, h.resolver.resolved)
	assert.Empty(t, h.perms.Probes())
	snap := h.controller.Snapshot()
	assert.Equal(t, domain.CallKindDirect, snap.Kind)
	assert.Empty(t, snap.RoomID)
}

func TestEndCall_SupersedesJoinInFlight(t *testing.T) {
	h := newHarness(t)
	dialing := make(chan struct{})
	release := make(chan struct{})
	h.backend.BeforeDial = func(ctx context.Context, loc ports.Locator) error {
		close(dialing)
		<-release
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- h.controller.JoinRoom(context.Background(), "ROOM1") }()
	<-dialing
	h.controller.EndCall(context.Background())
	assert.Equal(t, domain.StateDisconnected, h.controller.State())
	close(release)

	err := <-errc
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallSuperseded))
	call := h.backend.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, 1, call.HangUpCount())
	for _, s := range h.devices.Created() {
		assert.True(t, s.Disposed())
	}
	snap := h.controller.Snapshot()
	assert.False(t, snap.Active)
	assert.Empty(t, snap.Error)
}

func TestEndCall_BetweenCommitAndWire(t *testing.T) {
	h := newHarness(t)
	h.controller.afterCommit = func() { h.controller.EndCall(context.Background()) }

	err := h.controller.JoinRoom(context.Background(), "ROOM1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallSuperseded), "got %v", err)

	call := h.backend.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, 1, call.HangUpCount())
	assert.Empty(t, h.metrics.Started())
	assert.Equal(t, domain.StateDisconnected, h.controller.State())
	assert.False(t, h.controller.Snapshot().Active)
	for _, s := range h.devices.Created() {
		assert.True(t, s.Disposed())
	}
}

func TestEndCall_TearsDownDespiteHangUpFailure(t *testing.T) {
	h := newHarness(t)
	local := memory.NewSurface("local")
	remote := memory.NewSurface("remote")
	h.controller.SetLocalSurface(local)
	h.controller.SetRemoteSurface(remote)

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)
	call := h.backend.LastCall()
	p := call.AddParticipant("8:acs:alice", "Alice")
	p.AddStream("alice-video", true)

	require.Eventually(t, func() bool {
		return h.controller.Snapshot().HasRemoteParticipant && len(remote.Mounted()) == 1 && len(local.Mounted()) == 1
	}, waitFor, tick)
	assert.Equal(t, 2, h.renderers.Live())

	h.backend.FailHangUp = errors.New("signaling lost")
	h.controller.EndCall(context.Background())

	snap := h.controller.Snapshot()
	assert.Equal(t, domain.StateDisconnected, snap.State)
	assert.False(t, snap.HasRemoteParticipant)
	assert.Zero(t, snap.ParticipantCount)
	assert.False(t, snap.CameraOn)
	assert.Equal(t, 0, h.renderers.Live())
	assert.Empty(t, local.Mounted())
	assert.Empty(t, remote.Mounted())
	assert.Equal(t, 0, p.Subscribers())
	for _, s := range h.devices.Created() {
		assert.True(t, s.Disposed())
	}
}

func TestEndCall_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.controller.EndCall(context.Background())
	assert.Equal(t, domain.StateIdle, h.controller.State())

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.controller.EndCall(context.Background())
	h.controller.EndCall(context.Background())
	assert.Equal(t, 1, h.backend.LastCall().HangUpCount())
	assert.Equal(t, domain.StateDisconnected, h.controller.State())

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"), "rest state accepts a new join")
}

func TestPlatformDisconnect_SetsEndReason(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)

	h.backend.LastCall().SetState(domain.StateDisconnected, &domain.EndReason{Code: 487})
	h.waitState(t, domain.StateDisconnected)
	snap := h.controller.Snapshot()
	assert.Equal(t, "Call ended: 487 - Unknown reason", snap.Error)
	assert.Empty(t, snap.RoomID)
	assert.Equal(t, 0, h.backend.LastCall().HangUpCount())

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)
	assert.Empty(t, h.controller.Snapshot().Error)

	h.backend.LastCall().SetState(domain.StateDisconnected, &domain.EndReason{})
	h.waitState(t, domain.StateDisconnected)
	assert.Empty(t, h.controller.Snapshot().Error)
}

func TestPlatformState_DisallowedEdgeIgnored(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.controller.Subscribe()
	defer cancel()
	events := collect(ch)

	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)

	call := h.backend.LastCall()
	call.SetState(domain.StateRinging, nil)
	call.SetState(domain.StateReconnecting, nil)
	h.waitState(t, domain.StateReconnecting)
	call.SetState(domain.StateConnected, nil)
	h.waitState(t, domain.StateConnected)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]domain.CallState{
			domain.StateConnecting, domain.StateConnected, domain.StateReconnecting, domain.StateConnected,
		}, stateTrail(events()))
	}, waitFor, tick)
}

func TestToggles_RequireActiveCall(t *testing.T) {
	h := newHarness(t)

	_, err := h.controller.ToggleMute(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNoActiveCall))
	_, err = h.controller.ToggleCamera(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNoActiveCall))
	assert.Equal(t, "No active call", h.controller.Snapshot().Error)
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))

	muted, err := h.controller.ToggleMute(context.Background())
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, h.backend.LastCall().IsMuted())
	assert.True(t, h.controller.Snapshot().Muted)

	muted, err = h.controller.ToggleMute(context.Background())
	require.NoError(t, err)
	assert.False(t, muted)
	assert.False(t, h.backend.LastCall().IsMuted())
}

func TestToggleCamera(t *testing.T) {
	h := newHarness(t)
	local := memory.NewSurface("local")
	h.controller.SetLocalSurface(local)
	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	call := h.backend.LastCall()
	require.Len(t, local.Mounted(), 1)

	on, err := h.controller.ToggleCamera(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
	assert.Empty(t, call.LocalVideo())
	assert.Empty(t, local.Mounted())
	assert.True(t, h.devices.Created()[0].Disposed())
	assert.False(t, h.controller.Snapshot().CameraOn)

	on, err = h.controller.ToggleCamera(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
	assert.Len(t, call.LocalVideo(), 1)
	assert.Len(t, local.Mounted(), 1)
	assert.Len(t, h.devices.Created(), 2)
	assert.True(t, h.controller.Snapshot().CameraOn)
}

func TestToggleCamera_NoCameraIsPlatformError(t *testing.T) {
	h := newHarness(t)
	h.devices.SetCameras()
	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))

	_, err := h.controller.ToggleCamera(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePlatform))
	assert.ErrorIs(t, err, domain.ErrNoCamera)
}

func TestSnapshot_ParticipantSignals(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)

	call := h.backend.LastCall()
	p := call.AddParticipant("8:acs:alice", "Alice")
	require.Eventually(t, func() bool { return h.controller.Snapshot().ParticipantCount == 1 }, waitFor, tick)
	assert.False(t, h.controller.Snapshot().HasRemoteParticipant, "no stream yet")

	s := p.AddStream("alice-video", true)
	require.Eventually(t, func() bool { return h.controller.Snapshot().HasRemoteParticipant }, waitFor, tick)

	s.SetAvailable(false)
	require.Eventually(t, func() bool { return !h.controller.Snapshot().HasRemoteParticipant }, waitFor, tick)

	call.RemoveParticipant("8:acs:alice")
	require.Eventually(t, func() bool { return h.controller.Snapshot().ParticipantCount == 0 }, waitFor, tick)
	assert.Empty(t, h.controller.Participants())
}

func TestLifecycle_TeardownReleasesEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.controller.JoinRoom(context.Background(), "ROOM1"))
	h.waitState(t, domain.StateConnected)

	require.NoError(t, h.lifecycle.Teardown(context.Background()))
	assert.Equal(t, 1, h.backend.LastCall().HangUpCount())
	assert.True(t, h.backend.Agents()[0].Disposed())
	assert.True(t, h.backend.Clients()[0].Disposed())
	assert.False(t, h.controller.Snapshot().Initialized)

	require.NoError(t, h.lifecycle.Teardown(context.Background()))
}
