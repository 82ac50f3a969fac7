package topics

import (
	"context"
	"errors"
	"sync"

	"notibot/internal/transport"
	logx "notibot/pkg/logx"
)

// Section keys of the originating platform.
const (
	SectionImpulses = "impulses"
	SectionBablo    = "bablo"
	SectionReports  = "reports"
)

// Section names one per-user chat sub-thread.
type Section struct {
	Key       string
	Name      string
	IconColor int
}

// DefaultSections returns the platform's section set in creation order.
func DefaultSections() []Section {
	return []Section{
		{Key: SectionImpulses, Name: "Impulses", IconColor: 0x6FB9F0},
		{Key: SectionBablo, Name: "Bablo", IconColor: 0xFFD67E},
		{Key: SectionReports, Name: "Reports", IconColor: 0xCB86DB},
	}
}

// Creator provisions one chat sub-thread. Implemented by the transport
// adapter.
type Creator interface {
	CreateThread(ctx context.Context, userID int64, name string, iconColor int) (int, error)
}

// Directory maps (user, section) to a chat thread id.
//
// Contract:
//   - threads are created lazily, at most once per (user, section)
//   - every mutation is persisted through the Store
//   - per-user operations are serialized by a per-user lock, so concurrent
//     ensures cannot double-create
type Directory struct {
	sections []Section
	store    Store
	creator  Creator
	log      logx.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	cache map[int64]map[string]int
}

func NewDirectory(sections []Section, store Store, creator Creator, log logx.Logger) *Directory {
	if len(sections) == 0 {
		sections = DefaultSections()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{
		sections: sections,
		store:    store,
		creator:  creator,
		log:      log,
		locks:    map[int64]*sync.Mutex{},
		cache:    map[int64]map[string]int{},
	}
}

// Sections returns the configured section set in creation order.
func (d *Directory) Sections() []Section {
	out := make([]Section, len(d.sections))
	copy(out, d.sections)
	return out
}

func (d *Directory) userLock(userID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[userID] = l
	}
	return l
}

// loadLocked returns the live cache entry for userID, reading the store on
// first access. Caller must hold the user lock.
func (d *Directory) loadLocked(ctx context.Context, userID int64) (map[string]int, error) {
	d.mu.Lock()
	cur, ok := d.cache[userID]
	d.mu.Unlock()
	if ok {
		return cur, nil
	}

	loaded, err := d.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		loaded = map[string]int{}
	}
	d.mu.Lock()
	d.cache[userID] = loaded
	d.mu.Unlock()
	return loaded, nil
}

// EnsureTopics creates every missing section thread for the user and returns
// the full mapping. A chat without topic support yields an empty map and no
// error; callers then deliver untargeted.
func (d *Directory) EnsureTopics(ctx context.Context, userID int64) (map[string]int, error) {
	lock := d.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := d.loadLocked(ctx, userID)
	if err != nil {
		return nil, err
	}

	createdAny := false
	var createErr error
	for _, s := range d.sections {
		if _, ok := cur[s.Key]; ok {
			continue
		}
		id, err := d.creator.CreateThread(ctx, userID, s.Name, s.IconColor)
		if err != nil {
			if errors.Is(err, transport.ErrThreadsUnsupported) {
				d.log.Debug("chat has no topic support",
					logx.Int64("user", userID),
				)
				d.persistLocked(ctx, userID, cur, createdAny)
				return map[string]int{}, nil
			}
			createErr = err
			break
		}
		cur[s.Key] = id
		createdAny = true
		d.log.Info("topic created",
			logx.Int64("user", userID),
			logx.String("section", s.Key),
			logx.Int("thread", id),
		)
	}

	d.persistLocked(ctx, userID, cur, createdAny)
	return copyThreads(cur), createErr
}

// persistLocked saves the mapping when anything changed. A failed save is
// tolerated: the mapping stays cached and the next mutation retries.
func (d *Directory) persistLocked(ctx context.Context, userID int64, cur map[string]int, changed bool) {
	if !changed {
		return
	}
	if err := d.store.Save(ctx, userID, cur); err != nil {
		d.log.Warn("topic mapping save failed",
			logx.Int64("user", userID),
			logx.Err(err),
		)
	}
}

// ThreadID resolves the thread for (user, section), creating the user's
// missing threads on a miss. A miss after ensure (no topic support, create
// failure) reports ok=false; callers then deliver untargeted.
func (d *Directory) ThreadID(ctx context.Context, userID int64, section string) (int, bool) {
	if section == "" {
		return 0, false
	}

	lock := d.userLock(userID)
	lock.Lock()
	cur, err := d.loadLocked(ctx, userID)
	if err == nil {
		if id, ok := cur[section]; ok {
			lock.Unlock()
			return id, true
		}
	}
	lock.Unlock()
	if err != nil {
		d.log.Warn("topic mapping load failed",
			logx.Int64("user", userID),
			logx.Err(err),
		)
		return 0, false
	}

	m, err := d.EnsureTopics(ctx, userID)
	if err != nil {
		d.log.Warn("topic ensure failed",
			logx.Int64("user", userID),
			logx.String("section", section),
			logx.Err(err),
		)
	}
	id, ok := m[section]
	return id, ok
}

// Invalidate drops one (user, section) entry after the transport rejected its
// thread id. The next ensure recreates the section. Idempotent.
func (d *Directory) Invalidate(ctx context.Context, userID int64, section string) error {
	if section == "" {
		return nil
	}
	lock := d.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := d.loadLocked(ctx, userID)
	if err != nil {
		return err
	}
	id, ok := cur[section]
	if !ok {
		return nil
	}
	delete(cur, section)
	if err := d.store.Save(ctx, userID, cur); err != nil {
		return err
	}
	d.log.Info("topic invalidated",
		logx.Int64("user", userID),
		logx.String("section", section),
		logx.Int("thread", id),
	)
	return nil
}

func copyThreads(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
