// Package file provides file-based persistence for workflow versions and
// routing rules.
package file

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	*WorkflowRepository
	*RoutingRuleRepository

	root string
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		WorkflowRepository:    NewWorkflowRepository(cleanRoot),
		RoutingRuleRepository: NewRoutingRuleRepository(cleanRoot),
		root:                  cleanRoot,
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// validateName rejects path segments that could escape the root.
func validateName(kind, name string) error {
	if name == "" {
		return errors.New(kind + " cannot be empty")
	}

	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return errors.New(kind + " contains invalid characters")
	}

	return nil
}
