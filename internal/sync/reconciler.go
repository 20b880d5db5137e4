package sync

import (
	"context"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const checkpointPrefix = "refreshed:"

// Reconciler tracks which cached resources are stale and when each was last
// refreshed from the server. Refresh checkpoints live in the sync_state table;
// staleness is per process.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
	now    func() time.Time

	mu    stdsync.Mutex
	stale map[Resource]struct{}
	gen   map[Resource]uint64
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:     db,
		logger: logger,
		now:    time.Now,
		stale:  make(map[Resource]struct{}),
		gen:    make(map[Resource]uint64),
	}
}

// Begin returns a token identifying the current invalidation generation of
// res. Pass it to Mark once the refresh has landed.
func (r *Reconciler) Begin(res Resource) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen[res]
}

// Invalidate marks res stale so its next read goes to the network.
func (r *Reconciler) Invalidate(res Resource) {
	r.mu.Lock()
	r.stale[res] = struct{}{}
	r.gen[res]++
	r.mu.Unlock()
}

// Stale reports whether res was invalidated since its last refresh.
func (r *Reconciler) Stale(res Resource) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stale[res]
	return ok
}

// Mark records a completed refresh of res. An invalidation that arrived while
// the refresh was in flight keeps the resource stale.
func (r *Reconciler) Mark(ctx context.Context, res Resource, gen uint64) error {
	r.mu.Lock()
	if r.gen[res] == gen {
		delete(r.stale, res)
	}
	r.mu.Unlock()

	now := r.now().UnixMilli()
	return r.db.PutSyncState(ctx, checkpointPrefix+string(res), strconv.FormatInt(now, 10))
}

// LastRefreshed returns when res was last refreshed. ok is false when it
// never was.
func (r *Reconciler) LastRefreshed(ctx context.Context, res Resource) (at time.Time, ok bool, err error) {
	v, ok, err := r.db.SyncState(ctx, checkpointPrefix+string(res))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("corrupt refresh checkpoint", zap.String("resource", string(res)), zap.String("value", v))
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Forget drops all state kept for the given resources.
func (r *Reconciler) Forget(ctx context.Context, resources ...Resource) error {
	r.mu.Lock()
	for _, res := range resources {
		delete(r.stale, res)
		r.gen[res]++
	}
	r.mu.Unlock()

	for _, res := range resources {
		if err := r.db.DeleteSyncState(ctx, checkpointPrefix+string(res)); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops the state of every resource.
func (r *Reconciler) Reset(ctx context.Context) error {
	r.mu.Lock()
	r.stale = make(map[Resource]struct{})
	for res := range r.gen {
		r.gen[res]++
	}
	r.mu.Unlock()
	return r.db.DeleteSyncStatePrefix(ctx, checkpointPrefix)
}
