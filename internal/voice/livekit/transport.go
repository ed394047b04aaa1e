package livekit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"cheersbot/internal/broadcast"
	logx "cheersbot/pkg/logx"

	lksdk "github.com/livekit/server-sdk-go"
)

var (
	errUnknownPayload = errors.New("payload file not found")
	errRoomLost       = errors.New("room connection lost")
)

// PathFunc resolves a payload to the Ogg/Opus file that backs it.
type PathFunc func(broadcast.PayloadRef) (string, bool)

// room is the part of a joined LiveKit room a Connection drives.
type room interface {
	// publishFile starts streaming path; done is closed when the file has
	// been fully written. unpublish stops it.
	publishFile(path string) (done <-chan struct{}, unpublish func() error, err error)
	disconnect()
}

type dialFunc func(ctx context.Context, cfg Config, roomName, identity string, onLost func()) (room, error)

// Transport implements broadcast.VoiceTransport by joining LiveKit rooms as
// a publish-only participant.
type Transport struct {
	cfg  Config
	log  logx.Logger
	path PathFunc
	dial dialFunc
}

func NewTransport(cfg Config, path PathFunc, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{cfg: cfg.withDefaults(), log: log.With(logx.Comp("livekit")), path: path, dial: dialSDK}
}

func (t *Transport) Connect(ctx context.Context, tenant broadcast.TenantID, dest broadcast.DestinationID) (broadcast.Connection, error) {
	name := t.cfg.roomName(string(tenant), string(dest))
	identity := t.cfg.Identity + "-" + string(tenant)

	c := &connection{
		path:   t.path,
		log:    t.log.With(logx.Tenant(string(tenant)), logx.String("room", name)),
		lostCh: make(chan struct{}),
	}
	r, err := t.dial(ctx, t.cfg, name, identity, c.markLost)
	if err != nil {
		return nil, err
	}
	c.room = r
	return c, nil
}

type connection struct {
	path PathFunc
	log  logx.Logger
	room room

	lostOnce sync.Once
	lostCh   chan struct{}
	closed   atomic.Bool
}

// markLost runs on the SDK callback when the room drops.
func (c *connection) markLost() {
	if c.closed.Load() {
		return
	}
	c.lostOnce.Do(func() {
		close(c.lostCh)
		c.log.Warn("room disconnected remotely")
	})
}

// Play streams the payload and blocks until it has been written out, ctx is
// done or the room drops.
func (c *connection) Play(ctx context.Context, payload broadcast.PayloadRef) error {
	select {
	case <-c.lostCh:
		return errRoomLost
	default:
	}
	file, ok := c.path(payload)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownPayload, payload)
	}
	done, unpublish, err := c.room.publishFile(file)
	if err != nil {
		return fmt.Errorf("publish %s: %w", payload, err)
	}
	defer func() {
		if err := unpublish(); err != nil {
			c.log.Debug("unpublish failed", logx.Err(err))
		}
	}()

	select {
	case <-done:
		return nil
	case <-c.lostCh:
		return errRoomLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) Disconnect(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	finished := make(chan struct{})
	go func() {
		c.room.disconnect()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sdkRoom adapts *lksdk.Room.
type sdkRoom struct {
	r *lksdk.Room
}

func dialSDK(ctx context.Context, cfg Config, roomName, identity string, onLost func()) (room, error) {
	cb := &lksdk.RoomCallback{OnDisconnected: onLost}
	info := lksdk.ConnectInfo{
		APIKey:              cfg.APIKey,
		APISecret:           cfg.APISecret,
		RoomName:            roomName,
		ParticipantIdentity: identity,
		ParticipantName:     cfg.Identity,
	}

	type result struct {
		r   *lksdk.Room
		err error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := lksdk.ConnectToRoom(cfg.URL, info, cb)
		ch <- result{r, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("join %s: %w", roomName, res.err)
		}
		return &sdkRoom{r: res.r}, nil
	case <-ctx.Done():
		// The SDK dial is not cancellable; leave the room once it lands.
		go func() {
			if res := <-ch; res.err == nil {
				res.r.Disconnect()
			}
		}()
		return nil, fmt.Errorf("join %s: %w", roomName, ctx.Err())
	}
}

func (s *sdkRoom) publishFile(path string) (<-chan struct{}, func() error, error) {
	done := make(chan struct{})
	var once sync.Once
	track, err := lksdk.NewLocalFileTrack(path,
		lksdk.ReaderTrackWithOnWriteComplete(func() { once.Do(func() { close(done) }) }),
	)
	if err != nil {
		return nil, nil, err
	}
	pub, err := s.r.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: "broadcast"})
	if err != nil {
		return nil, nil, err
	}
	return done, func() error { return s.r.LocalParticipant.UnpublishTrack(pub.SID()) }, nil
}

func (s *sdkRoom) disconnect() { s.r.Disconnect() }
