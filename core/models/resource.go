package models

import "time"

// ComputeGroup is one resource group of the cluster catalog
type ComputeGroup struct {
	ID          string `json:"group_id" yaml:"id"`
	Name        string `json:"group_name" yaml:"name"`
	GPUType     string `json:"gpu_type" yaml:"gpu_type"`
	Location    string `json:"location,omitempty" yaml:"location"`
	GPUsPerNode int    `json:"gpu_per_node" yaml:"-"`
	TotalNodes  int    `json:"total_nodes" yaml:"-"`
	ReadyNodes  int    `json:"ready_nodes" yaml:"-"`
	FreeNodes   int    `json:"free_nodes" yaml:"-"`
	OnlineNodes int    `json:"online_nodes" yaml:"-"`
	BackupNodes int    `json:"backup_nodes" yaml:"-"`
	FaultNodes  int    `json:"fault_nodes" yaml:"-"`
}

// Capacity is the largest GPU count obtainable in this group
func (g ComputeGroup) Capacity() int {
	return g.GPUsPerNode * g.TotalNodes
}

// IdleGPUs is the number of GPUs on ready nodes with no running task
func (g ComputeGroup) IdleGPUs() int {
	return g.GPUsPerNode * g.FreeNodes
}

// Catalog is a snapshot of compute groups in platform order
type Catalog struct {
	Groups    []ComputeGroup
	FetchedAt time.Time
}
