package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/yourorg/fedcoord/internal/domain"
)

type memUsers struct {
	mu    sync.Mutex
	byID  map[string]*domain.User
	calls int
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]*domain.User{}}
}

func (m *memUsers) Create(ctx context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == user.Username || u.Email == user.Email {
			return domain.ErrDuplicateResource
		}
	}
	m.byID[user.ID] = user
	return nil
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if u, ok := m.byID[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found")
}

func (m *memUsers) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user not found")
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user not found")
}

func (m *memUsers) Update(ctx context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[user.ID]; !ok {
		return fmt.Errorf("user not found")
	}
	m.byID[user.ID] = user
	return nil
}

func (m *memUsers) UpdatePermissions(ctx context.Context, id string, perms domain.PermissionSet) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	u.Permissions = perms
	return u, nil
}

func (m *memUsers) List(ctx context.Context) ([]*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.User, 0, len(m.byID))
	for _, u := range m.byID {
		out = append(out, u)
	}
	return out, nil
}

type memHeadless struct {
	mu   sync.Mutex
	byID map[string]*domain.HeadlessClient
}

func newMemHeadless() *memHeadless {
	return &memHeadless{byID: map[string]*domain.HeadlessClient{}}
}

func (m *memHeadless) Create(ctx context.Context, client *domain.HeadlessClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		if c.Name == client.Name {
			return domain.ErrDuplicateResource
		}
	}
	m.byID[client.ID] = client
	return nil
}

func (m *memHeadless) GetByID(ctx context.Context, id string) (*domain.HeadlessClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("headless client not found")
}

func (m *memHeadless) GetByName(ctx context.Context, name string) (*domain.HeadlessClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("headless client not found")
}

func (m *memHeadless) Update(ctx context.Context, client *domain.HeadlessClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[client.ID]; !ok {
		return fmt.Errorf("headless client not found")
	}
	m.byID[client.ID] = client
	return nil
}

func (m *memHeadless) Delete(ctx context.Context, id string) (*domain.HeadlessClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("headless client not found")
	}
	delete(m.byID, id)
	return c, nil
}

func (m *memHeadless) List(ctx context.Context) ([]*domain.HeadlessClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.HeadlessClient, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out, nil
}

type memConsortia struct {
	mu   sync.Mutex
	byID map[string]*domain.Consortium
}

func newMemConsortia() *memConsortia {
	return &memConsortia{byID: map[string]*domain.Consortium{}}
}

func (m *memConsortia) Save(ctx context.Context, c *domain.Consortium) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = c
	return nil
}

func (m *memConsortia) GetByID(ctx context.Context, id string) (*domain.Consortium, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("consortium not found")
}

func (m *memConsortia) Delete(ctx context.Context, id string) (*domain.Consortium, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("consortium not found")
	}
	delete(m.byID, id)
	return c, nil
}

func (m *memConsortia) List(ctx context.Context) ([]*domain.Consortium, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Consortium, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out, nil
}

type memPipelines struct {
	mu   sync.Mutex
	byID map[string]*domain.Pipeline
}

func newMemPipelines() *memPipelines {
	return &memPipelines{byID: map[string]*domain.Pipeline{}}
}

func (m *memPipelines) Save(ctx context.Context, p *domain.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = p
	return nil
}

func (m *memPipelines) GetByID(ctx context.Context, id string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byID[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("pipeline not found")
}

func (m *memPipelines) Delete(ctx context.Context, id string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("pipeline not found")
	}
	delete(m.byID, id)
	return p, nil
}

type memRuns struct {
	mu   sync.Mutex
	byID map[string]*domain.Run
}

func newMemRuns() *memRuns {
	return &memRuns{byID: map[string]*domain.Run{}}
}

func (m *memRuns) Create(ctx context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[run.ID] = run
	return nil
}

func (m *memRuns) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byID[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("run not found")
}

func (m *memRuns) Update(ctx context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[run.ID]; !ok {
		return fmt.Errorf("run not found")
	}
	m.byID[run.ID] = run
	return nil
}

func (m *memRuns) ListByClient(ctx context.Context, principalID string) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Run
	for _, r := range m.byID {
		if _, ok := r.Clients[principalID]; ok {
			out = append(out, r)
			continue
		}
		if _, ok := r.Observers[principalID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) CountActive(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.byID {
		if !r.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

type memResetTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemResetTokens() *memResetTokens {
	return &memResetTokens{tokens: map[string]string{}}
}

func (m *memResetTokens) Issue(ctx context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[email] = token
	return nil
}

func (m *memResetTokens) Consume(ctx context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens[email] != token {
		return domain.ErrInvalidToken
	}
	delete(m.tokens, email)
	return nil
}

type fakeOrchestrator struct {
	mu      sync.Mutex
	started []string
	stopped []string
	fail    bool
}

func (f *fakeOrchestrator) StartRun(ctx context.Context, run *domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return domain.ErrUpstreamUnavailable
	}
	f.started = append(f.started, run.ID)
	return nil
}

func (f *fakeOrchestrator) StopRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return domain.ErrUpstreamUnavailable
	}
	f.stopped = append(f.stopped, runID)
	return nil
}
