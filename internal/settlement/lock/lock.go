// Package lock serializes settlements per session. The in-process keyed lock
// always applies; a redis lock is layered on top when several replicas share
// one database.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/streampay/internal/config"
	"github.com/smallbiznis/streampay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keySettlementLock = "settlement:lock:%s"

// Release frees a lock obtained from TryLock. It is safe to call once.
type Release func()

type SessionLock struct {
	log    *zap.Logger
	mu     sync.Mutex
	held   map[string]struct{}
	remote *ratelimit.Locker
	ttl    time.Duration
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
	Locker *ratelimit.Locker `optional:"true"`
}

func New(p Params) *SessionLock {
	l := NewLocal()
	l.log = p.Log.Named("settlement.lock")
	if p.Config.Lock.Distributed && p.Locker != nil {
		l.remote = p.Locker
		l.ttl = p.Config.Lock.TTL
		if l.ttl <= 0 {
			l.ttl = 2 * time.Minute
		}
	}
	return l
}

// NewLocal returns a lock without the redis layer.
func NewLocal() *SessionLock {
	return &SessionLock{
		log:  zap.NewNop(),
		held: map[string]struct{}{},
	}
}

// TryLock never blocks: it reports false when another settlement for the
// session is in flight here or on another replica.
func (l *SessionLock) TryLock(ctx context.Context, sessionRef string) (Release, bool, error) {
	l.mu.Lock()
	if _, busy := l.held[sessionRef]; busy {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.held[sessionRef] = struct{}{}
	l.mu.Unlock()

	unlockLocal := func() {
		l.mu.Lock()
		delete(l.held, sessionRef)
		l.mu.Unlock()
	}

	if l.remote == nil {
		return onceRelease(unlockLocal), true, nil
	}

	key := fmt.Sprintf(keySettlementLock, sessionRef)
	token, ok, err := l.remote.TryLock(ctx, key, l.ttl)
	if err != nil || !ok {
		unlockLocal()
		return nil, false, err
	}

	return onceRelease(func() {
		// The caller's context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.remote.Release(releaseCtx, key, token); err != nil {
			l.log.Warn("failed to release settlement lock", zap.String("session_ref", sessionRef), zap.Error(err))
		}
		unlockLocal()
	}), true, nil
}

func onceRelease(fn func()) Release {
	var once sync.Once
	return func() { once.Do(fn) }
}
