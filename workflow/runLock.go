package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

var ErrRunInProgress = errors.New("another run of this job is in progress")

const defaultRunLockTTL = 30 * time.Minute

// RunLock keeps two runs of the same job from overlapping across processes.
type RunLock interface {
	Acquire(ctx context.Context, job string) (release func(context.Context) error, err error)
}

type RedisRunLock struct {
	locker *redislock.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisRunLock obtains the lock for ttl and refreshes it while the run holds it; a crashed
// run frees the job once ttl passes without a refresh.
func NewRedisRunLock(locker *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisRunLock {
	if ttl <= 0 {
		ttl = defaultRunLockTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisRunLock{locker: locker, ttl: ttl, logger: logger}
}

func (l *RedisRunLock) Acquire(ctx context.Context, job string) (func(context.Context) error, error) {
	if l.locker == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := l.locker.Obtain(ctx, fmt.Sprintf("run:%s", job), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, job)
	} else if err != nil {
		return nil, err
	}
	log := l.logger.WithFields(logrus.Fields{"field": "runLock", "job": job})
	return keepAlive(lock, l.ttl, func(err error) {
		log.Errorf("refresh run lock: %v", err)
	}), nil
}

// lease is the part of *redislock.Lock that keepAlive drives.
type lease interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

// keepAlive refreshes the lease every ttl/3 until the returned release runs. A lease that is
// already gone (ErrNotObtained) stops the refresh loop.
func keepAlive(l lease, ttl time.Duration, onRefreshErr func(error)) func(context.Context) error {
	interval := ttl / 3
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := l.Refresh(ctx, ttl, nil)
				cancel()
				if err == nil {
					continue
				}
				if onRefreshErr != nil {
					onRefreshErr(err)
				}
				if errors.Is(err, redislock.ErrNotObtained) {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		return l.Release(ctx)
	}
}

// LocalRunLock is the in-process fallback used when redis is not configured.
type LocalRunLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{held: map[string]bool{}}
}

func (l *LocalRunLock) Acquire(_ context.Context, job string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[job] {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, job)
	}
	l.held[job] = true
	return func(context.Context) error {
		l.mu.Lock()
		delete(l.held, job)
		l.mu.Unlock()
		return nil
	}, nil
}
