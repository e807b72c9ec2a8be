package resource_manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hpc-bridge/core/common"
	"hpc-bridge/core/models"

	"github.com/sirupsen/logrus"
)

// Resolver maps resource tokens to compute groups over a read-through TTL catalog
type Resolver struct {
	source CatalogSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	catalog *models.Catalog
}

// NewResolver creates a resolver; ttl <= 0 disables caching
func NewResolver(source CatalogSource, ttl time.Duration) *Resolver {
	return &Resolver{source: source, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source used for TTL checks
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Catalog returns the cached catalog, fetching it when missing or expired
func (r *Resolver) Catalog(ctx context.Context) (models.Catalog, error) {
	cat, _, err := r.catalogSnapshot(ctx)
	return cat, err
}

// Refresh fetches the catalog unconditionally
func (r *Resolver) Refresh(ctx context.Context) (models.Catalog, error) {
	groups, err := r.source.FetchCatalog(ctx)
	if err != nil {
		return models.Catalog{}, fmt.Errorf("failed to fetch resource catalog: %w", err)
	}
	cat := models.Catalog{Groups: groups, FetchedAt: r.now()}

	r.mu.Lock()
	r.catalog = &cat
	r.mu.Unlock()

	logrus.Debugf("Resource catalog refreshed: %d groups", len(groups))
	return cat, nil
}

// Availability lists groups with the most idle GPUs first, catalog order breaking ties
func (r *Resolver) Availability(ctx context.Context) ([]models.ComputeGroup, error) {
	cat, err := r.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ComputeGroup, len(cat.Groups))
	copy(out, cat.Groups)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IdleGPUs() > out[j].IdleGPUs()
	})
	return out, nil
}

// Resolve turns a token such as "4xH200" into a concrete resource spec.
// A miss against a cached catalog triggers one refresh before failing.
func (r *Resolver) Resolve(ctx context.Context, token string) (models.ResourceSpec, error) {
	gpuType, count, err := ParseToken(token)
	if err != nil {
		return models.ResourceSpec{}, common.NewError(common.KindResolution, "", err, "invalid resource %q", token)
	}

	cat, fresh, err := r.catalogSnapshot(ctx)
	if err != nil {
		return models.ResourceSpec{}, err
	}
	group, rerr := selectGroup(cat.Groups, gpuType, count)
	if rerr != nil && !fresh {
		if cat, err = r.Refresh(ctx); err != nil {
			return models.ResourceSpec{}, err
		}
		group, rerr = selectGroup(cat.Groups, gpuType, count)
	}
	if rerr != nil {
		return models.ResourceSpec{}, common.NewError(common.KindResolution, "", nil, "%s", rerr.Error())
	}

	return models.ResourceSpec{
		Raw:       token,
		GPUType:   gpuType,
		Count:     count,
		GroupID:   group.ID,
		GroupName: group.Name,
	}, nil
}

// catalogSnapshot reports whether the returned catalog was fetched by this call
func (r *Resolver) catalogSnapshot(ctx context.Context) (models.Catalog, bool, error) {
	r.mu.Lock()
	cached := r.catalog
	r.mu.Unlock()

	if cached != nil && r.ttl > 0 && r.now().Sub(cached.FetchedAt) < r.ttl {
		return *cached, false, nil
	}
	cat, err := r.Refresh(ctx)
	return cat, true, err
}

// selectGroup picks the matching group with the most idle GPUs, first in catalog order on ties
func selectGroup(groups []models.ComputeGroup, gpuType string, count int) (models.ComputeGroup, error) {
	var best *models.ComputeGroup
	var types []string
	largest := 0

	for i := range groups {
		g := &groups[i]
		if !containsString(types, g.GPUType) {
			types = append(types, g.GPUType)
		}
		if g.GPUType != gpuType {
			continue
		}
		if g.Capacity() > largest {
			largest = g.Capacity()
		}
		if g.Capacity() < count {
			continue
		}
		if best == nil || g.IdleGPUs() > best.IdleGPUs() {
			best = g
		}
	}

	if best != nil {
		return *best, nil
	}
	if largest == 0 {
		sort.Strings(types)
		return models.ComputeGroup{}, fmt.Errorf("no compute group offers %s (available types: %s)", gpuType, strings.Join(types, ", "))
	}
	return models.ComputeGroup{}, fmt.Errorf("requested %dx%s exceeds the largest %s group (%d GPUs)", count, gpuType, gpuType, largest)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
