package repository

import (
	"context"
	"sort"
	"sync"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
)

// MemoryContacts is an in-process contact book keyed by business and phone.
type MemoryContacts struct {
	mu       sync.RWMutex
	contacts map[string]map[string]model.Contact
}

func NewMemoryContacts() *MemoryContacts {
	return &MemoryContacts{contacts: make(map[string]map[string]model.Contact)}
}

func (m *MemoryContacts) Put(c model.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contacts[c.BusinessID] == nil {
		m.contacts[c.BusinessID] = make(map[string]model.Contact)
	}
	m.contacts[c.BusinessID][c.Phone] = c
}

func (m *MemoryContacts) Resolve(ctx context.Context, businessID, phone string) (*model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[businessID][phone]
	if !ok {
		return nil, appErrors.ErrContactNotFound
	}
	return &c, nil
}

func (m *MemoryContacts) List(ctx context.Context, businessID string) ([]model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Contact, 0, len(m.contacts[businessID]))
	for _, c := range m.contacts[businessID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

// MemoryTemplates is an in-process template store.
type MemoryTemplates struct {
	mu        sync.RWMutex
	templates map[string]model.Template
}

func NewMemoryTemplates() *MemoryTemplates {
	return &MemoryTemplates{templates: make(map[string]model.Template)}
}

func (m *MemoryTemplates) Put(t model.Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

// SetStatus changes a template's approval state, as a provider sync would.
func (m *MemoryTemplates) SetStatus(id string, status model.TemplateStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.templates[id]; ok {
		t.Status = status
		m.templates[id] = t
	}
}

func (m *MemoryTemplates) Get(ctx context.Context, id string) (*model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, appErrors.ErrTemplateNotFound
	}
	return &t, nil
}

func (m *MemoryTemplates) List(ctx context.Context, businessID string, status model.TemplateStatus) ([]model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Template{}
	for _, t := range m.templates {
		if t.BusinessID == businessID && (status == "" || t.Status == status) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var (
	_ ContactRepositoryInterface  = (*MemoryContacts)(nil)
	_ TemplateRepositoryInterface = (*MemoryTemplates)(nil)
)
