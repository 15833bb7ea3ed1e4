package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"docqa/pkg/domain"
)

type rowKey struct {
	userID string
	id     string
}

// MemoryStore keeps everything in-process. Used for local runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User // key: user ID
	email     map[string]string      // lower-cased email -> user ID
	documents map[rowKey]domain.Document
	questions map[rowKey]domain.Question
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		email:     make(map[string]string),
		documents: make(map[rowKey]domain.Document),
		questions: make(map[rowKey]domain.Question),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, exists := m.email[key]; exists {
		return fmt.Errorf("%w: email %s", ErrConflict, u.Email)
	}
	if _, exists := m.users[u.ID]; exists {
		return fmt.Errorf("%w: user id %s", ErrConflict, u.ID)
	}
	m.users[u.ID] = u
	m.email[key] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) CreateDocument(_ context.Context, d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, existing := range m.documents {
		if key.userID == d.UserID && (key.id == d.ID || existing.FileName == d.FileName) {
			return fmt.Errorf("%w: document %s", ErrConflict, d.FileName)
		}
	}
	m.documents[rowKey{d.UserID, d.ID}] = d
	return nil
}

func (m *MemoryStore) SaveDocument(_ context.Context, d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[rowKey{d.UserID, d.ID}] = d
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, userID, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[rowKey{userID, id}]
	return d, ok, nil
}

func (m *MemoryStore) FindDocumentByFileName(_ context.Context, userID, fileName string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found domain.Document
		ok    bool
	)
	for key, d := range m.documents {
		if key.userID != userID || d.FileName != fileName {
			continue
		}
		if !ok || d.UploadDate.After(found.UploadDate) {
			found, ok = d, true
		}
	}
	return found, ok, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, userID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for key, d := range m.documents {
		if key.userID == userID {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemoryStore) ListStaleDocuments(_ context.Context, status domain.DocumentStatus, updatedBefore time.Time) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, d := range m.documents {
		if d.Status == status && d.UpdatedAt.Before(updatedBefore) {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemoryStore) SetDocumentStatus(_ context.Context, userID, id string, status domain.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey{userID, id}
	d, ok := m.documents[key]
	if !ok {
		return nil
	}
	d.Status = status
	d.ErrorMessage = errMsg
	d.UpdatedAt = time.Now().UTC()
	m.documents[key] = d
	return nil
}

func (m *MemoryStore) SetDocumentSize(_ context.Context, userID, id string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey{userID, id}
	if d, ok := m.documents[key]; ok {
		d.FileSize = size
		m.documents[key] = d
	}
	return nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey{userID, id}
	if _, ok := m.documents[key]; !ok {
		return false, nil
	}
	delete(m.documents, key)
	return true, nil
}

func (m *MemoryStore) SaveQuestion(_ context.Context, q domain.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey{q.UserID, q.ID}
	if _, exists := m.questions[key]; exists {
		return fmt.Errorf("%w: question %s", ErrConflict, q.ID)
	}
	m.questions[key] = q
	return nil
}

func (m *MemoryStore) GetQuestion(_ context.Context, userID, id string) (domain.Question, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questions[rowKey{userID, id}]
	return q, ok, nil
}

func (m *MemoryStore) ListQuestions(_ context.Context, userID string) ([]domain.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Question, 0)
	for key, q := range m.questions {
		if key.userID == userID {
			res = append(res, q)
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteQuestion(_ context.Context, userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowKey{userID, id}
	if _, ok := m.questions[key]; !ok {
		return false, nil
	}
	delete(m.questions, key)
	return true, nil
}
