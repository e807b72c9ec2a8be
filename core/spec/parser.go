package spec

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"hpc-bridge/core/models"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed job.schema.json
var jobSchemaJSON string

var jobSchema = jsonschema.MustCompileString("job.schema.json", jobSchemaJSON)

// JobSpec represents the YAML job specification
type JobSpec struct {
	Name        string `yaml:"name"`
	Resource    string `yaml:"resource"`
	Command     string `yaml:"command"`
	Priority    int    `yaml:"priority"`
	Image       string `yaml:"image"`
	ShmGB       int    `yaml:"shm_gb"`
	WorkspaceID string `yaml:"workspace_id"`
	ProjectID   string `yaml:"project_id"`
}

// Defaults fill fields a spec leaves out
type Defaults struct {
	Priority    int
	Image       string
	ShmGB       int
	WorkspaceID string
	ProjectID   string
}

// ParseJobSpec parses and validates a YAML job specification
func ParseJobSpec(specYAML []byte, defaults Defaults) (models.SubmitRequest, error) {
	var raw interface{}
	if err := yaml.Unmarshal(specYAML, &raw); err != nil {
		return models.SubmitRequest{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateDocument(raw); err != nil {
		return models.SubmitRequest{}, err
	}

	var spec JobSpec
	if err := yaml.Unmarshal(specYAML, &spec); err != nil {
		return models.SubmitRequest{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	req := models.SubmitRequest{
		Name:        spec.Name,
		Resource:    spec.Resource,
		Command:     spec.Command,
		Priority:    spec.Priority,
		Image:       spec.Image,
		ShmGB:       spec.ShmGB,
		WorkspaceID: spec.WorkspaceID,
		ProjectID:   spec.ProjectID,
	}
	return Normalize(req, defaults)
}

// Normalize applies defaults and checks a request built from flags or a spec file
func Normalize(req models.SubmitRequest, defaults Defaults) (models.SubmitRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Resource = strings.TrimSpace(req.Resource)
	req.Command = strings.TrimSpace(req.Command)

	if req.Priority == 0 {
		req.Priority = defaults.Priority
	}
	if req.Image == "" {
		req.Image = defaults.Image
	}
	if req.ShmGB == 0 {
		req.ShmGB = defaults.ShmGB
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = defaults.WorkspaceID
	}
	if req.ProjectID == "" {
		req.ProjectID = defaults.ProjectID
	}

	switch {
	case req.Name == "":
		return req, fmt.Errorf("job name is required")
	case req.Resource == "":
		return req, fmt.Errorf("resource is required")
	case req.Command == "":
		return req, fmt.Errorf("command is required")
	case req.Priority < 1 || req.Priority > 10:
		return req, fmt.Errorf("priority must be between 1 and 10, got %d", req.Priority)
	case req.ShmGB < 0:
		return req, fmt.Errorf("shared memory must be positive, got %d", req.ShmGB)
	}
	return req, nil
}

// validateDocument round-trips the YAML tree through JSON so the schema sees JSON types
func validateDocument(doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("job spec is not a plain mapping: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("job spec is not a plain mapping: %w", err)
	}
	if err := jobSchema.Validate(v); err != nil {
		return fmt.Errorf("invalid job spec: %w", err)
	}
	return nil
}
