// Package leaderelection gates the tick loop behind a Postgres advisory lock.
//
// Run claims per-schedule days with atomic UPDATEs, so duplicate sends are
// already impossible; election exists to stop standby replicas from burning
// ticks evaluating the same rules. One session-scoped advisory lock picks
// the replica that schedules and reconciles. The lock lives as long as its
// dedicated connection: there is no renewal or TTL, and Postgres releases
// it server-side if the connection dies.
//
// The heartbeat ping only detects local connection death so the leader can
// stand down promptly. It does not renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"sync/atomic"
	"time"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping the dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional, nil = disabled
	isLeader          atomic.Bool
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties (scheduler, reconciler) and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock. The
// health endpoint surfaces it so operators can tell which replica is
// running the tick loop.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Run campaigns for the lock until ctx is cancelled, holding leadership
// for as long as each campaign succeeds.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: election loop started (lock_key=%d, retry=%s, heartbeat=%s)",
		e.lockKey, e.retryInterval, e.heartbeatInterval)

	for ctx.Err() == nil {
		held, reason := e.campaign(ctx)
		if ctx.Err() != nil {
			break
		}
		if held {
			log.Printf("leader: lost leadership (reason=%s), campaigning again in %s", reason, e.retryInterval)
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.retryInterval):
		}
	}

	log.Println("leader: election loop stopped")
}

// campaign tries to acquire the advisory lock and, on success, holds it
// until the connection dies or ctx is cancelled. held reports whether
// leadership was ever acquired; reason says why it ended.
func (e *Elector) campaign(ctx context.Context) (held bool, reason string) {
	// Advisory locks are session-scoped, so the lock must live on a
	// dedicated connection that nothing else in the pool can recycle.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: dedicated connection unavailable: %v", err)
		return false, ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		log.Printf("leader: advisory lock query failed: %v", err)
		return false, ""
	}
	if !acquired {
		return false, ""
	}

	log.Printf("leader: acquired advisory lock %d", e.lockKey)
	e.isLeader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason = e.watchConnection(ctx, conn)

	cancelLeader()
	e.isLeader.Store(false)
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	if reason == "shutdown" {
		// Release eagerly so a standby can take over before this
		// connection is torn down.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := conn.ExecContext(releaseCtx, "SELECT pg_advisory_unlock($1)", e.lockKey); err != nil {
			log.Printf("leader: advisory unlock failed (lock releases with the connection): %v", err)
		}
	}

	log.Printf("leader: released advisory lock %d", e.lockKey)
	return true, reason
}

// watchConnection blocks while pinging the dedicated connection. It
// returns the reason leadership ended.
func (e *Elector) watchConnection(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: dedicated connection ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}
