package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"aisync/internal/domain"
)

// MemoryStore is an in-process Store used by component tests, following
// this codebase's in-memory-backend-beside-the-real-one convention.
type MemoryStore struct {
	mu sync.Mutex

	itemsByID  map[string]domain.Item
	itemsByKey map[string]string // (source:source_id) -> item id
	cursors    map[string]domain.SyncCursor
	metrics    map[string]domain.ActivityMetric
	logs       []domain.ProcessingLog
	watches    map[string]domain.Watch
	users      map[string]domain.User
	projects   map[string][]domain.Project
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		itemsByID:  map[string]domain.Item{},
		itemsByKey: map[string]string{},
		cursors:    map[string]domain.SyncCursor{},
		metrics:    map[string]domain.ActivityMetric{},
		watches:    map[string]domain.Watch{},
		users:      map[string]domain.User{},
		projects:   map[string][]domain.Project{},
	}
}

// SeedUser inserts a user directly, for test fixtures.
func (m *MemoryStore) SeedUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// SeedProject inserts a project directly, for test fixtures.
func (m *MemoryStore) SeedProject(p domain.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.OwnerID] = append(m.projects[p.OwnerID], p)
}

func cursorKey(userID string, source domain.Source) string { return userID + ":" + string(source) }

func (m *MemoryStore) UpsertItem(ctx context.Context, item domain.Item) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.ItemKey(item.Source, item.SourceID)
	if existingID, ok := m.itemsByKey[key]; ok {
		return UpsertResult{Item: m.itemsByID[existingID], Existed: true}, nil
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	item.DBRevision = 1
	m.itemsByID[item.ID] = item
	m.itemsByKey[key] = item.ID
	return UpsertResult{Item: item, Existed: false}, nil
}

func (m *MemoryStore) GetItem(ctx context.Context, itemID string) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.itemsByID[itemID]
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	return it, nil
}

func (m *MemoryStore) GetItemByKey(ctx context.Context, source domain.Source, sourceID string) (domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.itemsByKey[domain.ItemKey(source, sourceID)]
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	return m.itemsByID[id], nil
}

// UpdateItem mirrors PostgresStore's optimistic-concurrency check: the
// write is rejected with ErrRevisionConflict if item.DBRevision no longer
// matches the stored row, so tests can exercise the same conflict path the
// Postgres-backed Store produces under concurrent Ingest calls.
func (m *MemoryStore) UpdateItem(ctx context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.itemsByID[item.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.DBRevision != item.DBRevision {
		return fmt.Errorf("%w: item %s expected db_revision %d", domain.ErrRevisionConflict, item.ID, item.DBRevision)
	}
	item.UpdatedAt = time.Now().UTC()
	item.DBRevision = existing.DBRevision + 1
	m.itemsByID[item.ID] = item
	return nil
}

func (m *MemoryStore) SoftDeleteItem(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.itemsByID[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	it.Status = domain.ItemDeleted
	it.UpdatedAt = time.Now().UTC()
	m.itemsByID[itemID] = it
	return nil
}

func (m *MemoryStore) GetCursor(ctx context.Context, userID string, source domain.Source) (domain.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[cursorKey(userID, source)]
	if !ok {
		return domain.SyncCursor{OwnerID: userID, Source: source}, nil
	}
	return c, nil
}

func (m *MemoryStore) PutCursor(ctx context.Context, cursor domain.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cursorKey(cursor.OwnerID, cursor.Source)] = cursor
	return nil
}

func (m *MemoryStore) GetMetric(ctx context.Context, userID string, source domain.Source) (domain.ActivityMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.metrics[cursorKey(userID, source)]
	if !ok {
		return domain.ActivityMetric{OwnerID: userID, Source: source, NextIntervalMins: 30}, nil
	}
	return mt, nil
}

func (m *MemoryStore) PutMetric(ctx context.Context, metric domain.ActivityMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[cursorKey(metric.OwnerID, metric.Source)] = metric
	return nil
}

func (m *MemoryStore) InsertLog(ctx context.Context, log domain.ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	m.logs = append(m.logs, log)
	return nil
}

// Logs returns a copy of all inserted ProcessingLog records, for test
// assertions.
func (m *MemoryStore) Logs() []domain.ProcessingLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProcessingLog, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *MemoryStore) PutWatch(ctx context.Context, w domain.Watch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Active {
		for id, existing := range m.watches {
			if id == w.ID {
				continue
			}
			if existing.Active && existing.OwnerID == w.OwnerID && existing.Source == w.Source && existing.ResourceID == w.ResourceID {
				existing.Active = false
				m.watches[id] = existing
			}
		}
	}
	m.watches[w.ID] = w
	return nil
}

func (m *MemoryStore) GetActiveWatch(ctx context.Context, userID string, source domain.Source, resourceID string) (domain.Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watches {
		if w.Active && w.OwnerID == userID && w.Source == source && w.ResourceID == resourceID {
			return w, nil
		}
	}
	return domain.Watch{}, domain.ErrNotFound
}

func (m *MemoryStore) DeactivateWatch(ctx context.Context, watchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[watchID]
	if !ok {
		return domain.ErrNotFound
	}
	w.Active = false
	m.watches[watchID] = w
	return nil
}

func (m *MemoryStore) ListExpiringWatches(ctx context.Context, within time.Duration, now time.Time) ([]domain.Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Watch
	cutoff := now.Add(within)
	for _, w := range m.watches {
		if w.Active && !w.Expiry.After(cutoff) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListActiveUsers(ctx context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.User
	for _, u := range m.users {
		if u.Active && !u.Suspended {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) ResolveUserByMailAddress(ctx context.Context, address string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.PrimaryMailAddress == address || u.VirtualMailAddress == address {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

func (m *MemoryStore) SetUserSuspended(ctx context.Context, userID string, suspended bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Suspended = suspended
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) ListActiveProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.projects[ownerID] {
		if p.Status != domain.ProjectArchived {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
