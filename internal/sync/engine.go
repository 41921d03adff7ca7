// Package sync feeds the realtime connection into the social store and the
// presence tracker.
package sync

import (
	"context"
	"sync/atomic"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/protocol"
	"github.com/focuscircle/focussync/internal/realtime"
	"github.com/focuscircle/focussync/internal/social"
	"go.uber.org/zap"
)

// Source is the ordered stream of frames and lifecycle notifications.
// realtime.Manager satisfies it.
type Source interface {
	OnFrame(h func(protocol.Envelope))
	OnLifecycle(h func(realtime.Lifecycle))
}

// Applier applies authoritative inbound events. social.Store satisfies it.
type Applier interface {
	UserID() string
	ApplyInbound(env protocol.Envelope)
	ConnectionLost()
}

// Presence is told when the connection comes and goes. presence.Tracker
// satisfies it.
type Presence interface {
	ConnectionOpened()
	ConnectionLost()
}

// Stats counts what the engine has seen since it was created.
type Stats struct {
	Frames          uint64
	Opened          uint64
	Lost            uint64
	Inconsistencies uint64
}

// Engine routes every inbound frame to the store and every lifecycle
// notification to presence. Handlers run on the manager's loop, so the store
// sees events in arrival order.
type Engine struct {
	store    Applier
	presence Presence
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc

	frames          atomic.Uint64
	opened          atomic.Uint64
	lost            atomic.Uint64
	inconsistencies atomic.Uint64
}

// NewEngine creates an engine. Call Attach before the source starts.
func NewEngine(store Applier, presence Presence, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		presence: presence,
		bus:      b,
		logger:   logger,
	}
}

// Attach registers the engine's handlers on src.
func (e *Engine) Attach(src Source) {
	src.OnFrame(e.handleFrame)
	src.OnLifecycle(e.handleLifecycle)
}

// Start watches the bus for inconsistencies reported by the store.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("sync.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind != bus.KindInconsistency {
					continue
				}
				n := e.inconsistencies.Add(1)
				if inc, ok := evt.Payload.(social.Inconsistency); ok {
					e.logger.Debug("inconsistency recorded",
						zap.String("type", inc.Type),
						zap.Uint64("total", n),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bus watcher.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Frames:          e.frames.Load(),
		Opened:          e.opened.Load(),
		Lost:            e.lost.Load(),
		Inconsistencies: e.inconsistencies.Load(),
	}
}

func (e *Engine) handleFrame(env protocol.Envelope) {
	e.frames.Add(1)
	if env.Type == protocol.TypeAuthenticated {
		e.authenticated(env)
		return
	}
	e.store.ApplyInbound(env)
}

func (e *Engine) handleLifecycle(l realtime.Lifecycle) {
	switch l.Kind {
	case realtime.ConnectionOpened:
		e.opened.Add(1)
		e.presence.ConnectionOpened()
	case realtime.ConnectionClosed, realtime.ConnectionFailed:
		e.lost.Add(1)
		e.presence.ConnectionLost()
		e.store.ConnectionLost()
		if l.Err != nil && !l.Clean {
			e.logger.Info("connection lost", zap.String("kind", string(l.Kind)), zap.Error(l.Err))
		}
	}
}

// authenticated checks that the remote side agrees on who the local user is.
// A mismatch makes own messages look foreign and drops friend requests.
func (e *Engine) authenticated(env protocol.Envelope) {
	p, err := protocol.Decode[protocol.Authenticated](env)
	if err != nil {
		e.logger.Warn("malformed authenticated frame", zap.Error(err))
		return
	}
	if p.UserID != "" && p.UserID != e.store.UserID() {
		e.logger.Warn("authenticated as a different user than configured",
			zap.String("remote_user_id", p.UserID),
			zap.String("local_user_id", e.store.UserID()),
		)
		return
	}
	e.logger.Info("session authenticated", zap.String("user_id", p.UserID))
}
