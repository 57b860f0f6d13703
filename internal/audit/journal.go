package audit

import (
	"context"
	"fmt"
	"os"
	"os/user"
)

// Storage persists raw journal documents per deployment
type Storage interface {
	LoadAudit(ctx context.Context, name string) ([]byte, error)
	SaveAudit(ctx context.Context, name string, data []byte) error
}

// Open loads the journal of a deployment, or starts an empty one
func Open(ctx context.Context, storage Storage, deployment string) (*InMemoryLogger, error) {
	logger := NewInMemoryLogger(deployment, 0)
	data, err := storage.LoadAudit(ctx, deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit journal: %w", err)
	}
	if len(data) == 0 {
		return logger, nil
	}
	if err := logger.FromJSON(data); err != nil {
		return nil, err
	}
	return logger, nil
}

// Save writes the journal back to storage
func Save(ctx context.Context, storage Storage, logger *InMemoryLogger) error {
	data, err := logger.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode audit journal: %w", err)
	}
	if err := storage.SaveAudit(ctx, logger.deployment, data); err != nil {
		return fmt.Errorf("failed to save audit journal: %w", err)
	}
	return nil
}

func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
