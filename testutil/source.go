package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// MemorySource is an in-memory SyncAdapter. Sessions are kept in canonical
// form keyed by native id.
type MemorySource struct {
	SourceName string
	PageSize   int
	// FailFetch makes Fetch fail for the listed native ids
	FailFetch map[string]error
	// Block makes Fetch wait until the context is done
	Block bool
	// Active makes writes fail as if the host were running
	Active bool

	mu       sync.Mutex
	sessions map[string]*internal.Session
	Fetches  int
	Writes   int
	Deletes  int
}

var _ adapters.SyncAdapter = (*MemorySource)(nil)

// NewMemorySource creates a MemorySource holding sessions
func NewMemorySource(name string, sessions ...*internal.Session) *MemorySource {
	m := &MemorySource{SourceName: name, sessions: make(map[string]*internal.Session)}
	for _, s := range sessions {
		m.Put(s)
	}
	return m
}

// Put stores a copy of s under its provider session id
func (m *MemorySource) Put(s *internal.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.Clone()
	adapters.Namespace(c, m.SourceName, s.ProviderSessionID)
	c.Normalize()
	m.sessions[s.ProviderSessionID] = c
}

// Get returns a copy of a stored session
func (m *MemorySource) Get(nativeID string) (*internal.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[nativeID]
	return s.Clone(), ok
}

// Remove drops a session without counting a delete
func (m *MemorySource) Remove(nativeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, nativeID)
}

// Len returns the number of stored sessions
func (m *MemorySource) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemorySource) Name() string { return m.SourceName }

// List pages sessions in native id order; the cursor is an offset
func (m *MemorySource) List(ctx context.Context, opts adapters.FetchOptions) (adapters.Page, error) {
	if err := ctx.Err(); err != nil {
		return adapters.Page{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Archived && !opts.IncludeArchived {
			continue
		}
		if !opts.InRange(s.UpdatedAt) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return adapters.Page{}, fmt.Errorf("bad cursor %q", opts.Cursor)
		}
		start = n
	}
	size := opts.PageSize(m.PageSize)
	if size == 0 {
		size = len(ids)
	}
	var page adapters.Page
	for i := start; i < len(ids) && len(page.Refs) < size; i++ {
		s := m.sessions[ids[i]]
		page.Refs = append(page.Refs, adapters.NativeSessionRef{
			Source:    m.SourceName,
			NativeID:  ids[i],
			UpdatedAt: s.UpdatedAt,
			Archived:  s.Archived,
		})
	}
	if end := start + len(page.Refs); end < len(ids) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

// Fetch returns a copy of the session
func (m *MemorySource) Fetch(ctx context.Context, ref adapters.NativeSessionRef) (*adapters.NativeSession, error) {
	if m.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fetches++
	if err := m.FailFetch[ref.NativeID]; err != nil {
		return nil, err
	}
	s, ok := m.sessions[ref.NativeID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.NativeID, internal.ErrNotFound)
	}
	return &adapters.NativeSession{Ref: ref, Format: adapters.FormatFlatArray, Session: s.Clone()}, nil
}

// Write stores s, assigning a native id when it has none from this source
func (m *MemorySource) Write(ctx context.Context, s *internal.Session, opts adapters.WriteOptions) (adapters.NativeSessionRef, error) {
	if err := ctx.Err(); err != nil {
		return adapters.NativeSessionRef{}, err
	}
	if m.Active && !opts.Force {
		return adapters.NativeSessionRef{}, &internal.HostProcessActiveError{Host: m.SourceName}
	}
	c := s.Clone()
	if c.ProviderSessionID == "" || c.Provider != m.SourceName {
		c.ProviderSessionID = uuid.NewString()
	}
	m.Put(c)
	m.mu.Lock()
	m.Writes++
	m.mu.Unlock()
	return adapters.NativeSessionRef{Source: m.SourceName, NativeID: c.ProviderSessionID, UpdatedAt: c.UpdatedAt}, nil
}

// Delete removes a session
func (m *MemorySource) Delete(ctx context.Context, nativeID string, opts adapters.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Active && !opts.Force {
		return &internal.HostProcessActiveError{Host: m.SourceName}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[nativeID]; !ok {
		return fmt.Errorf("%s: %w", nativeID, internal.ErrNotFound)
	}
	delete(m.sessions, nativeID)
	m.Deletes++
	return nil
}
