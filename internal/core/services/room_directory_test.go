package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/pkg/circuitbreaker"
	apperrors "callsession/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) GetRoom(ctx context.Context, id string) (*ports.RoomRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*ports.RoomRecord)
	return rec, args.Error(1)
}

func (m *mockDirectory) CreateRoom(ctx context.Context, id string) (*ports.RoomRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*ports.RoomRecord)
	return rec, args.Error(1)
}

func (m *mockDirectory) AddParticipant(ctx context.Context, id string, p domain.ParticipantID) error {
	return m.Called(ctx, id, p).Error(0)
}

func (m *mockDirectory) MyUserID(ctx context.Context) (domain.ParticipantID, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.ParticipantID), args.Error(1)
}

type mapHandles struct {
	m   map[string]string
	err error
}

func (s *mapHandles) Get(_ context.Context, id string) (string, bool, error) {
	h, ok := s.m[id]
	return h, ok, s.err
}

func (s *mapHandles) Save(_ context.Context, id, handle string) error {
	s.m[id] = handle
	return s.err
}

var guidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

var errNetwork = errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")

func newTestDirectory(api ports.DirectoryAPI, store ports.RoomHandleRepository, fallback string) *RoomDirectory {
	cfg := DefaultRoomDirectoryConfig()
	cfg.Fallback = fallback
	return NewRoomDirectory(api, store, nil, cfg, nopLogger())
}

func TestResolve_ExistingRoom(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(&ports.RoomRecord{Handle: "h-1"}, nil)
	store := &mapHandles{m: map[string]string{}}

	res, err := newTestDirectory(api, store, FallbackLocal).Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "h-1", res.Room.Handle)
	assert.Equal(t, domain.SourceDirectory, res.Source)
	assert.False(t, res.Degraded)
	assert.Equal(t, "h-1", store.m["ROOM1"])
	api.AssertNotCalled(t, "CreateRoom", mock.Anything, mock.Anything)
	api.AssertNotCalled(t, "MyUserID", mock.Anything)
}

func TestResolve_RegistersCallerWhenNotListed(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(&ports.RoomRecord{
		Handle:          "h-1",
		Participants:    []domain.ParticipantID{"8:acs:other"},
		HasParticipants: true,
	}, nil)
	api.On("MyUserID", mock.Anything).Return(domain.ParticipantID("8:acs:me"), nil)
	api.On("AddParticipant", mock.Anything, "ROOM1", domain.ParticipantID("8:acs:me")).Return(nil)

	_, err := newTestDirectory(api, nil, FallbackLocal).Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	api.AssertExpectations(t)
}

func TestResolve_SkipsRegistrationWhenListed(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(&ports.RoomRecord{
		Handle:          "h-1",
		Participants:    []domain.ParticipantID{"8:acs:me"},
		HasParticipants: true,
	}, nil)
	api.On("MyUserID", mock.Anything).Return(domain.ParticipantID("8:acs:me"), nil)

	_, err := newTestDirectory(api, nil, FallbackLocal).Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	api.AssertNotCalled(t, "AddParticipant", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_RegistrationFailureIsNotFatal(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(&ports.RoomRecord{Handle: "h-1", HasParticipants: true}, nil)
	api.On("MyUserID", mock.Anything).Return(domain.ParticipantID("8:acs:me"), nil)
	api.On("AddParticipant", mock.Anything, "ROOM1", domain.ParticipantID("8:acs:me")).Return(errors.New("500"))

	res, err := newTestDirectory(api, nil, FallbackLocal).Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "h-1", res.Room.Handle)
}

func TestResolve_CreatesMissingRoom(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(nil, domain.ErrRoomNotFound)
	api.On("CreateRoom", mock.Anything, "ROOM1").Return(&ports.RoomRecord{Handle: "h-new"}, nil)

	res, err := newTestDirectory(api, nil, FallbackLocal).Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "h-new", res.Room.Handle)
	assert.Equal(t, domain.SourceCreated, res.Source)
}

func TestResolve_NotFoundThenNetworkFailureFallsBackToGUID(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(nil, domain.ErrRoomNotFound)
	api.On("CreateRoom", mock.Anything, "ROOM1").Return(nil, errNetwork)

	res, err := newTestDirectory(api, nil, FallbackLocal).Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, domain.SourceFallback, res.Source)
	assert.Regexp(t, guidPattern, res.Room.Handle)
	assert.True(t, apperrors.IsCode(res.Warning, apperrors.ErrCodeDirectoryUnavailable))
	assert.ErrorIs(t, res.Warning, errNetwork)
}

func TestResolve_EmptyHandleIsMalformed(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(&ports.RoomRecord{}, nil)

	res, err := newTestDirectory(api, nil, FallbackLocal).Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.ErrorIs(t, res.Warning, errEmptyHandle)
}

func TestResolve_FallbackPrefersStoredHandle(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(nil, errNetwork)
	store := &mapHandles{m: map[string]string{"ROOM1": "known-good"}}

	res, err := newTestDirectory(api, store, FallbackLocal).Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "known-good", res.Room.Handle)
	assert.Equal(t, domain.SourceCached, res.Source)
	assert.True(t, res.Degraded)
}

func TestResolve_FailPolicy(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(nil, errNetwork)

	_, err := newTestDirectory(api, nil, FallbackFail).Resolve(context.Background(), "ROOM1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDirectoryUnavailable))
}

func TestResolve_CancelledContextIsNotDegraded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(nil, context.Canceled)

	_, err := newTestDirectory(api, nil, FallbackLocal).Resolve(ctx, "ROOM1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve_OpenBreakerSkipsDirectory(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(nil, errNetwork)
	cfg := DefaultRoomDirectoryConfig()
	cfg.Breaker = circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}
	d := NewRoomDirectory(api, nil, nil, cfg, nopLogger())

	for i := 0; i < 3; i++ {
		res, err := d.Resolve(context.Background(), "ROOM1")
		require.NoError(t, err)
		assert.True(t, res.Degraded)
	}
	assert.Equal(t, circuitbreaker.StateOpen, d.BreakerState())
	api.AssertNumberOfCalls(t, "GetRoom", 2)
}

type recordingLocker struct {
	keys     []string
	released int
	err      error
}

func (l *recordingLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return nil, l.err
	}
	return func() { l.released++ }, nil
}

func TestResolve_LockedCreatePicksUpConcurrentRoom(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(nil, domain.ErrRoomNotFound).Once()
	api.On("GetRoom", mock.Anything, "ROOM1").Return(&ports.RoomRecord{Handle: "h-other"}, nil).Once()
	locker := &recordingLocker{}
	d := newTestDirectory(api, nil, FallbackLocal)
	d.UseLocker(locker)

	res, err := d.Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "h-other", res.Room.Handle)
	assert.Equal(t, domain.SourceDirectory, res.Source)
	assert.Equal(t, []string{"room:ROOM1"}, locker.keys)
	assert.Equal(t, 1, locker.released)
	api.AssertNotCalled(t, "CreateRoom", mock.Anything, mock.Anything)
}

func TestResolve_LockFailureStillCreates(t *testing.T) {
	api := &mockDirectory{}
	api.On("GetRoom", mock.Anything, "ROOM1").Return(nil, domain.ErrRoomNotFound)
	api.On("CreateRoom", mock.Anything, "ROOM1").Return(&ports.RoomRecord{Handle: "h-new"}, nil)
	d := newTestDirectory(api, nil, FallbackLocal)
	d.UseLocker(&recordingLocker{err: errors.New("redis down")})

	res, err := d.Resolve(context.Background(), "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceCreated, res.Source)
	api.AssertNumberOfCalls(t, "GetRoom", 1)
}
