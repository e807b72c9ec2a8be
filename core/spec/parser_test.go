package spec

import (
	"strings"
	"testing"

	"hpc-bridge/core/models"
)

var defaults = Defaults{Priority: 8, Image: "pytorch:24.01", ShmGB: 200, ProjectID: "project-default"}

func TestParseJobSpec(t *testing.T) {
	doc := `
name: pr-123-debug
resource: 4xH200
command: bash train.sh --epochs 3
priority: 5
`
	req, err := ParseJobSpec([]byte(doc), defaults)
	if err != nil {
		t.Fatalf("ParseJobSpec: %v", err)
	}
	if req.Name != "pr-123-debug" || req.Resource != "4xH200" || req.Command != "bash train.sh --epochs 3" {
		t.Errorf("unexpected request %+v", req)
	}
	if req.Priority != 5 {
		t.Errorf("priority = %d, want 5", req.Priority)
	}
	if req.Image != "pytorch:24.01" || req.ShmGB != 200 || req.ProjectID != "project-default" {
		t.Errorf("defaults not applied: %+v", req)
	}
}

func TestParseJobSpecRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing command", "name: a\nresource: H100\n", "invalid job spec"},
		{"unknown field", "name: a\nresource: H100\ncommand: x\ngpus: 4\n", "invalid job spec"},
		{"priority out of range", "name: a\nresource: H100\ncommand: x\npriority: 11\n", "invalid job spec"},
		{"wrong type", "name: a\nresource: H100\ncommand: x\npriority: high\n", "invalid job spec"},
		{"not yaml", "name: [unclosed", "failed to parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobSpec([]byte(tt.doc), defaults)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		defaults Defaults
		req      models.SubmitRequest
		wantErr  bool
	}{
		{"ok", defaults, models.SubmitRequest{Name: " job ", Resource: "H100", Command: "run"}, false},
		{"blank name", defaults, models.SubmitRequest{Name: "  ", Resource: "H100", Command: "run"}, true},
		{"blank resource", defaults, models.SubmitRequest{Name: "job", Command: "run"}, true},
		{"no default priority", Defaults{}, models.SubmitRequest{Name: "job", Resource: "H100", Command: "run"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.req, tt.defaults)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.Name != strings.TrimSpace(tt.req.Name) {
				t.Errorf("name = %q", got.Name)
			}
		})
	}
}
