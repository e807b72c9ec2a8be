package resource_manager

import (
	"context"
	"strings"

	"hpc-bridge/core/models"
	"hpc-bridge/core/platform"
)

// CatalogSource fetches the current list of compute groups
type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]models.ComputeGroup, error)
}

// NodeLister is the part of the platform client the catalog needs
type NodeLister interface {
	ListAllNodes(ctx context.Context) ([]platform.Node, error)
}

// PlatformCatalog aggregates platform nodes into compute groups.
// Known groups come first in configured order, the rest in the order the platform lists them.
type PlatformCatalog struct {
	nodes     NodeLister
	known     []models.ComputeGroup
	knownOnly bool
}

// NewPlatformCatalog creates a catalog source over the platform node list
func NewPlatformCatalog(nodes NodeLister, known []models.ComputeGroup, knownOnly bool) *PlatformCatalog {
	return &PlatformCatalog{nodes: nodes, known: known, knownOnly: knownOnly}
}

// FetchCatalog lists all nodes and counts per-group capacity and idle nodes
func (c *PlatformCatalog) FetchCatalog(ctx context.Context) ([]models.ComputeGroup, error) {
	nodes, err := c.nodes.ListAllNodes(ctx)
	if err != nil {
		return nil, err
	}
	return AggregateNodes(nodes, c.known, c.knownOnly), nil
}

// AggregateNodes folds GPU nodes into compute groups
func AggregateNodes(nodes []platform.Node, known []models.ComputeGroup, knownOnly bool) []models.ComputeGroup {
	knownByID := make(map[string]models.ComputeGroup, len(known))
	for _, g := range known {
		knownByID[g.ID] = g
	}

	groups := map[string]*models.ComputeGroup{}
	var seen []string

	for _, node := range nodes {
		if node.GPUCount == 0 || node.LogicComputeGroupID == "" {
			continue
		}
		id := node.LogicComputeGroupID
		def, isKnown := knownByID[id]
		if knownOnly && !isKnown {
			continue
		}

		g, ok := groups[id]
		if !ok {
			g = &models.ComputeGroup{
				ID:          id,
				Name:        node.LogicComputeGroupName,
				GPUType:     NormalizeGPUType(node.GPUInfo.GPUTypeDisplay),
				GPUsPerNode: node.GPUCount,
			}
			if isKnown {
				if g.Name == "" {
					g.Name = def.Name
				}
				if def.GPUType != "" {
					g.GPUType = NormalizeGPUType(def.GPUType)
				}
				g.Location = def.Location
			}
			if g.Name == "" {
				g.Name = "Unknown"
			}
			if node.GPUInfo.GPUTypeDisplay == "" && !isKnown {
				g.GPUType = "UNKNOWN"
			}
			groups[id] = g
			seen = append(seen, id)
		}

		g.TotalNodes++
		switch strings.ToLower(node.ResourcePool) {
		case "online":
			g.OnlineNodes++
		case "backup":
			g.BackupNodes++
		case "fault":
			g.FaultNodes++
		}
		if strings.EqualFold(node.Status, "READY") {
			g.ReadyNodes++
			if len(node.TaskList) == 0 {
				g.FreeNodes++
			}
		}
	}

	out := make([]models.ComputeGroup, 0, len(groups))
	for _, k := range known {
		if g, ok := groups[k.ID]; ok {
			out = append(out, *g)
			delete(groups, k.ID)
		}
	}
	for _, id := range seen {
		if g, ok := groups[id]; ok {
			out = append(out, *g)
		}
	}
	return out
}

// StaticCatalog serves a fixed group list
type StaticCatalog []models.ComputeGroup

func (s StaticCatalog) FetchCatalog(context.Context) ([]models.ComputeGroup, error) {
	out := make([]models.ComputeGroup, len(s))
	copy(out, s)
	return out, nil
}
