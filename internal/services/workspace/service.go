// Package workspace implements the per-workspace manager: document metadata
// storage and an encrypted secrets vault scoped to one workspace.
package workspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

// ServiceType is the registry key for workspace managers.
const ServiceType = "workspace-manager"

// Document is a stored document's metadata and content.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Content   []byte    `json:"-"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service manages a single workspace's documents and secrets.
type Service struct {
	registry.BaseService
	workspaceID string

	mu        sync.RWMutex
	documents map[string]Document
	vault     *vault
}

// New constructs the manager for one workspace. The masterKey seeds the
// secrets vault; pass nil to disable secret storage.
func New(workspaceID string, masterKey []byte, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault(ServiceType)
	}
	return &Service{
		BaseService: registry.NewBase(ServiceType, log.WithField("workspace", workspaceID)),
		workspaceID: workspaceID,
		vault:       newVault(workspaceID, masterKey),
	}
}

// WorkspaceID returns the owning workspace.
func (s *Service) WorkspaceID() string { return s.workspaceID }

// Init prepares the document store and derives the vault key.
func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.documents = make(map[string]Document)
		if err := s.vault.deriveKey(); err != nil {
			return fmt.Errorf("derive vault key: %w", err)
		}
		s.Log().Info("workspace manager ready")
		return nil
	})
}

// Cleanup drops documents and zeroes vault material.
func (s *Service) Cleanup(ctx context.Context) error {
	return s.RunCleanup(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.documents = nil
		s.vault.zero()
		return nil
	})
}

// GetStatus reports document and secret counts.
func (s *Service) GetStatus(ctx context.Context) registry.HealthSnapshot {
	if !s.IsInitialized() {
		return registry.HealthSnapshot{Healthy: false, Message: "workspace manager not initialized"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return registry.HealthSnapshot{
		Healthy: true,
		Message: "workspace manager ready",
		Details: map[string]any{
			"workspace_id": s.workspaceID,
			"documents":    len(s.documents),
			"secrets":      s.vault.count(),
		},
	}
}

// CreateDocument stores a new document and returns it with generated ID.
func (s *Service) CreateDocument(ctx context.Context, name, mimeType string, content []byte) (Document, error) {
	if !s.IsInitialized() {
		return Document{}, fmt.Errorf("workspace manager not initialized")
	}
	if strings.TrimSpace(name) == "" {
		return Document{}, fmt.Errorf("document name is required")
	}

	now := time.Now().UTC()
	doc := Document{
		ID:        uuid.NewString(),
		Name:      name,
		MimeType:  mimeType,
		Content:   content,
		SizeBytes: len(content),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.documents[doc.ID] = doc
	s.mu.Unlock()

	s.Log().WithField("document_id", doc.ID).WithField("name", name).Info("document created")
	return doc, nil
}

// GetDocument fetches a document by ID.
func (s *Service) GetDocument(ctx context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return Document{}, fmt.Errorf("document %q not found", id)
	}
	return doc, nil
}

// UpdateDocument replaces a document's content.
func (s *Service) UpdateDocument(ctx context.Context, id string, content []byte) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return Document{}, fmt.Errorf("document %q not found", id)
	}
	doc.Content = content
	doc.SizeBytes = len(content)
	doc.UpdatedAt = time.Now().UTC()
	s.documents[id] = doc
	return doc, nil
}

// DeleteDocument removes a document.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return fmt.Errorf("document %q not found", id)
	}
	delete(s.documents, id)
	return nil
}

// ListDocuments returns documents sorted by name.
func (s *Service) ListDocuments(ctx context.Context) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Document, 0, len(s.documents))
	for _, doc := range s.documents {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetSecret encrypts and stores a secret value.
func (s *Service) SetSecret(ctx context.Context, name, value string) error {
	if !s.IsInitialized() {
		return fmt.Errorf("workspace manager not initialized")
	}
	return s.vault.set(name, value)
}

// GetSecret decrypts a stored secret.
func (s *Service) GetSecret(ctx context.Context, name string) (string, error) {
	if !s.IsInitialized() {
		return "", fmt.Errorf("workspace manager not initialized")
	}
	return s.vault.get(name)
}

// DeleteSecret removes a secret.
func (s *Service) DeleteSecret(ctx context.Context, name string) error {
	return s.vault.delete(name)
}
