package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	ledgerSuffix = ".json"
	auditSuffix  = ".audit.json"
)

// Store is durable key/value storage for ledger documents
type Store interface {
	// Read returns the document stored under key, or ErrNotFound
	Read(ctx context.Context, key string) ([]byte, error)
	// Write replaces the document stored under key
	Write(ctx context.Context, key string, data []byte) error
	// Remove deletes the document; removing a missing key is not an error
	Remove(ctx context.Context, key string) error
	// List returns the keys in the store
	List(ctx context.Context) ([]string, error)
	// Location describes where documents live, for operator output
	Location() string
}

// Repository loads and saves ledgers and their audit journals on a Store
type Repository struct {
	store Store
}

// NewRepository creates a repository over a store
func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// Location returns the store location
func (r *Repository) Location() string {
	return r.store.Location()
}

// Load reads the ledger for a deployment
func (r *Repository) Load(ctx context.Context, name string) (*Ledger, error) {
	if name == "" {
		return nil, fmt.Errorf("deployment name is required")
	}
	data, err := r.store.Read(ctx, name+ledgerSuffix)
	if err != nil {
		return nil, err
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", name, err)
	}
	if l.Version != LedgerVersion {
		return nil, fmt.Errorf("ledger %s has unsupported version %q", name, l.Version)
	}
	return &l, nil
}

// Save writes the ledger
func (r *Repository) Save(ctx context.Context, l *Ledger) error {
	if l == nil || l.Name == "" {
		return fmt.Errorf("cannot save a ledger without a name")
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	data = append(data, '\n')
	if err := r.store.Write(ctx, l.Name+ledgerSuffix, data); err != nil {
		return fmt.Errorf("failed to save ledger %s: %w", l.Name, err)
	}
	return nil
}

// Delete removes the ledger of a deployment
func (r *Repository) Delete(ctx context.Context, name string) error {
	return r.store.Remove(ctx, name+ledgerSuffix)
}

// LoadAudit reads the raw audit journal for a deployment. A missing journal
// yields (nil, nil).
func (r *Repository) LoadAudit(ctx context.Context, name string) ([]byte, error) {
	data, err := r.store.Read(ctx, name+auditSuffix)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// SaveAudit writes the raw audit journal for a deployment
func (r *Repository) SaveAudit(ctx context.Context, name string, data []byte) error {
	return r.store.Write(ctx, name+auditSuffix, data)
}

// Names lists deployments that have a ledger
func (r *Repository) Names(ctx context.Context) ([]string, error) {
	keys, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		if strings.HasSuffix(k, auditSuffix) || !strings.HasSuffix(k, ledgerSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(k, ledgerSuffix))
	}
	sort.Strings(names)
	return names, nil
}
