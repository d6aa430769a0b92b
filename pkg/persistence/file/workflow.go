package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
)

// WorkflowRepository stores each workflow version as
// workflows/<id>/<version>.json.
type WorkflowRepository struct {
	root string
}

func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{root: root}
}

func (wr *WorkflowRepository) dir(id string) string {
	return filepath.Join(wr.root, "workflows", id)
}

// Workflow reads one workflow version from the file system.
func (wr *WorkflowRepository) Workflow(_ context.Context, id string, version int) (*models.WorkflowGraph, error) {
	if err := validateName("workflow id", id); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "file.workflow", err, id)
	}

	filePath := filepath.Join(wr.dir(id), strconv.Itoa(version)+".json")

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewWorkflowError("get", id, version, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to fetch workflow %s v%d: %w", id, version, err)
	}

	var graph models.WorkflowGraph

	err = json.Unmarshal(body, &graph)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s v%d: %w", id, version, err)
	}

	return &graph, nil
}

// SaveWorkflow writes a new version. The file is created exclusively so an
// existing version is never replaced.
func (wr *WorkflowRepository) SaveWorkflow(_ context.Context, graph *models.WorkflowGraph) error {
	if err := validateName("workflow id", graph.ID); err != nil {
		return faults.Wrap(faults.KindValidation, "file.save_workflow", err, graph.ID)
	}

	err := os.MkdirAll(wr.dir(graph.ID), 0750)
	if err != nil {
		return fmt.Errorf("failed to create workflow directory: %w", err)
	}

	data, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", graph.ID, err)
	}

	filePath := filepath.Join(wr.dir(graph.ID), strconv.Itoa(graph.Version)+".json")

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return persistence.NewWorkflowError("save", graph.ID, graph.Version, persistence.ErrWorkflowVersionExists)
		}

		return fmt.Errorf("failed to create workflow %s v%d: %w", graph.ID, graph.Version, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(filePath)

		return fmt.Errorf("failed to write workflow %s v%d: %w", graph.ID, graph.Version, err)
	}

	return f.Close()
}

// WorkflowVersions lists the versions found in the workflow's directory.
func (wr *WorkflowRepository) WorkflowVersions(_ context.Context, id string) ([]int, error) {
	if err := validateName("workflow id", id); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "file.workflow_versions", err, id)
	}

	entries, err := os.ReadDir(wr.dir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewWorkflowError("versions", id, 0, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to list workflow %s: %w", id, err)
	}

	versions := make([]int, 0, len(entries))

	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}

		if v, err := strconv.Atoi(name); err == nil {
			versions = append(versions, v)
		}
	}

	if len(versions) == 0 {
		return nil, persistence.NewWorkflowError("versions", id, 0, persistence.ErrWorkflowNotFound)
	}

	slices.Sort(versions)

	return versions, nil
}
