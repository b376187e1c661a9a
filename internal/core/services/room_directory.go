package services

import (
	"context"
	"errors"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/pkg/circuitbreaker"
	apperrors "callsession/pkg/errors"
	"callsession/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fallback policies.
const (
	FallbackLocal = "local"
	FallbackFail  = "fail"
)

var errEmptyHandle = errors.New("directory returned an empty room handle")

type RoomDirectoryConfig struct {
	Fallback string
	Breaker  circuitbreaker.Config
}

func DefaultRoomDirectoryConfig() RoomDirectoryConfig {
	return RoomDirectoryConfig{Fallback: FallbackLocal, Breaker: circuitbreaker.DefaultConfig()}
}

// RoomDirectory resolves logical room ids through the directory backend and
// degrades to a local handle when the directory cannot be reached.
type RoomDirectory struct {
	api     ports.DirectoryAPI
	store   ports.RoomHandleRepository
	locker  ports.RoomLocker
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.CallMetrics
	cfg     RoomDirectoryConfig
	logger  *zap.SugaredLogger
	newID   func() string
}

// NewRoomDirectory builds a resolver. store and metrics may be nil.
func NewRoomDirectory(api ports.DirectoryAPI, store ports.RoomHandleRepository, metrics ports.CallMetrics, cfg RoomDirectoryConfig, logger *zap.SugaredLogger) *RoomDirectory {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackLocal
	}
	cb := circuitbreaker.New(cfg.Breaker)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("directory circuit breaker changed state", "from", from, "to", to)
	})
	return &RoomDirectory{
		api:     api,
		store:   store,
		breaker: cb,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// UseLocker makes room creation take locker's lock. Call before first use.
func (d *RoomDirectory) UseLocker(locker ports.RoomLocker) {
	d.locker = locker
}

// Resolve finds or creates the room for logicalID.
func (d *RoomDirectory) Resolve(ctx context.Context, logicalID string) (res domain.RoomResolution, err error) {
	ctx, span := tracing.TraceDirectory(ctx, "resolve", logicalID)
	defer span.End()

	res, err = circuitbreaker.Do(ctx, d.breaker, func() (domain.RoomResolution, error) {
		return d.lookupOrCreate(ctx, logicalID)
	})
	if err == nil {
		d.remember(ctx, logicalID, res.Room.Handle)
		d.logger.Infow("room resolved", "room_id", logicalID, "room_handle", res.Room.Handle, "source", res.Source)
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		tracing.RecordError(ctx, ctxErr)
		return domain.RoomResolution{}, ctxErr
	}

	d.logger.Warnw("room directory unavailable", "room_id", logicalID, "error", err)
	res, err = d.fallback(ctx, logicalID, err)
	if err != nil {
		tracing.RecordError(ctx, err)
		return res, err
	}
	tracing.AddSpanAttributes(ctx, tracing.DegradedKey.Bool(true), tracing.RoomHandleKey.String(res.Room.Handle))
	return res, nil
}

func (d *RoomDirectory) lookupOrCreate(ctx context.Context, logicalID string) (domain.RoomResolution, error) {
	source := domain.SourceDirectory
	rec, err := d.api.GetRoom(ctx, logicalID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		var created bool
		rec, created, err = d.create(ctx, logicalID)
		if created {
			source = domain.SourceCreated
		}
	}
	if err != nil {
		return domain.RoomResolution{}, err
	}
	if rec == nil || rec.Handle == "" {
		return domain.RoomResolution{}, errEmptyHandle
	}

	if rec.HasParticipants {
		d.register(ctx, logicalID, rec.Participants)
	}
	return domain.RoomResolution{
		Room:   domain.Room{LogicalID: logicalID, Handle: rec.Handle, Participants: rec.Participants},
		Source: source,
	}, nil
}

// create makes the missing room. With a locker, instances racing on the same
// room serialize and the later ones pick up the room the first one made.
func (d *RoomDirectory) create(ctx context.Context, logicalID string) (*ports.RoomRecord, bool, error) {
	if d.locker != nil {
		release, err := d.locker.Acquire(ctx, "room:"+logicalID)
		switch {
		case err == nil:
			defer release()
			if rec, err := d.api.GetRoom(ctx, logicalID); err == nil {
				return rec, false, nil
			}
		case ctx.Err() != nil:
			return nil, false, ctx.Err()
		default:
			d.logger.Warnw("room creation lock unavailable, creating without it", "room_id", logicalID, "error", err)
		}
	}
	d.logger.Infow("room not found, creating", "room_id", logicalID)
	rec, err := d.api.CreateRoom(ctx, logicalID)
	return rec, err == nil, err
}

// register adds the caller to the room's participant list. Failures are not
// fatal to the join.
func (d *RoomDirectory) register(ctx context.Context, logicalID string, listed []domain.ParticipantID) {
	me, err := d.api.MyUserID(ctx)
	if err != nil {
		d.logger.Warnw("could not determine own participant id", "room_id", logicalID, "error", err)
		return
	}
	for _, p := range listed {
		if p == me {
			return
		}
	}
	if err := d.api.AddParticipant(ctx, logicalID, me); err != nil {
		d.logger.Warnw("failed to register with room", "room_id", logicalID, "participant_id", me, "error", err)
		return
	}
	d.logger.Debugw("registered with room", "room_id", logicalID, "participant_id", me)
}

func (d *RoomDirectory) fallback(ctx context.Context, logicalID string, cause error) (domain.RoomResolution, error) {
	unavailable := apperrors.NewDirectoryUnavailableError(cause)
	if d.cfg.Fallback == FallbackFail {
		return domain.RoomResolution{}, unavailable
	}

	res := domain.RoomResolution{
		Room:     domain.Room{LogicalID: logicalID},
		Degraded: true,
		Warning:  unavailable,
	}
	if handle, ok := d.recall(ctx, logicalID); ok {
		res.Room.Handle = handle
		res.Source = domain.SourceCached
	} else {
		res.Room.Handle = d.newID()
		res.Source = domain.SourceFallback
	}
	d.metrics.DirectoryFallback(res.Source)
	d.logger.Warnw("using fallback room handle", "room_id", logicalID, "room_handle", res.Room.Handle, "source", res.Source)
	return res, nil
}

func (d *RoomDirectory) recall(ctx context.Context, logicalID string) (string, bool) {
	if d.store == nil {
		return "", false
	}
	handle, found, err := d.store.Get(ctx, logicalID)
	if err != nil {
		d.logger.Warnw("room handle store lookup failed", "room_id", logicalID, "error", err)
		return "", false
	}
	return handle, found && handle != ""
}

func (d *RoomDirectory) remember(ctx context.Context, logicalID, handle string) {
	if d.store == nil {
		return
	}
	if err := d.store.Save(ctx, logicalID, handle); err != nil {
		d.logger.Warnw("failed to store room handle", "room_id", logicalID, "error", err)
	}
}

// BreakerState exposes the directory breaker for health reporting.
func (d *RoomDirectory) BreakerState() circuitbreaker.State {
	return d.breaker.GetState()
}
