// Package lock keeps two runs from writing to the same store at once, using a lease in Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MinTTL is the shortest lease accepted, renewal runs every third of it
const MinTTL = time.Second

var (
	// ErrHeld is returned by Acquire while another run holds the lease
	ErrHeld = errors.New("lease held by another run")
	// ErrLost is the cause of a lease context cancelled because the key expired or was taken
	ErrLost = errors.New("lease lost")
)

// compare-and-delete, so an expired holder cannot release its successor's lease
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Locker hands out the lease stored under Key
type Locker struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
	Logger *zerolog.Logger
}

// New connects to the Redis server at url
func New(ctx context.Context, url, key string, ttl time.Duration) (*Locker, error) {
	if ttl < MinTTL {
		return nil, fmt.Errorf("lease ttl %s is shorter than %s", ttl, MinTTL)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Locker{Client: client, Key: key, TTL: ttl}, nil
}

// Close closes the Redis connection
func (l *Locker) Close() error {
	return l.Client.Close()
}

func (l *Locker) logger() *zerolog.Logger {
	if l.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return l.Logger
}

// Lease is a held lock. It is renewed in the background until Release.
type Lease struct {
	l     *Locker
	token string
	stop  chan struct{}
	done  chan struct{}
	lost  chan struct{}
	once  sync.Once
}

// Acquire takes the lease or fails with ErrHeld
func (l *Locker) Acquire(ctx context.Context) (*Lease, error) {
	if l.TTL < MinTTL {
		return nil, fmt.Errorf("lease ttl %s is shorter than %s", l.TTL, MinTTL)
	}
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring %s: %w", l.Key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	lease := &Lease{
		l:     l,
		token: token,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	go lease.renew()
	l.logger().Debug().Str("key", l.Key).Dur("ttl", l.TTL).Msg("lease acquired")
	return lease, nil
}

// Token identifies this holder
func (ls *Lease) Token() string { return ls.token }

// Lost is closed when renewal finds the key gone or owned by someone else
func (ls *Lease) Lost() <-chan struct{} { return ls.lost }

// Context returns a child of parent that is cancelled with cause once the lease is lost, ErrLost
// when cause is nil. The returned cancel must be called when the holder is done.
func (ls *Lease) Context(parent context.Context, cause error) (context.Context, context.CancelFunc) {
	if cause == nil {
		cause = ErrLost
	}
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-ls.lost:
			cancel(cause)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

func (ls *Lease) renew() {
	defer close(ls.done)
	ticker := time.NewTicker(ls.l.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ls.l.TTL/3)
			n, err := extendScript.Run(ctx, ls.l.Client, []string{ls.l.Key}, ls.token, ls.l.TTL.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				ls.l.logger().Warn().Err(err).Str("key", ls.l.Key).Msg("failed to renew lease")
			case n == 0:
				ls.l.logger().Error().Str("key", ls.l.Key).Msg("lease lost")
				close(ls.lost)
				return
			}
		}
	}
}

// Release stops renewal and gives the lease up if it is still ours. Safe to call twice.
func (ls *Lease) Release(ctx context.Context) error {
	var err error
	ls.once.Do(func() {
		close(ls.stop)
		<-ls.done
		if _, rerr := releaseScript.Run(ctx, ls.l.Client, []string{ls.l.Key}, ls.token).Int(); rerr != nil {
			err = fmt.Errorf("releasing %s: %w", ls.l.Key, rerr)
			return
		}
		ls.l.logger().Debug().Str("key", ls.l.Key).Msg("lease released")
	})
	return err
}
