package patientctx

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Cached memoizes a Source for ttl. Errors are not cached.
type Cached struct {
	src   Source
	cache *cache.Cache
}

func NewCached(src Source, ttl time.Duration) *Cached {
	return &Cached{src: src, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Notes(ctx context.Context, patientID models.PatientID) (*models.PatientContext, error) {
	return c.get("notes:"+patientID, func() (*models.PatientContext, error) {
		return c.src.Notes(ctx, patientID)
	})
}

func (c *Cached) Goals(ctx context.Context, patientID models.PatientID) (*models.PatientContext, error) {
	return c.get("goals:"+patientID, func() (*models.PatientContext, error) {
		return c.src.Goals(ctx, patientID)
	})
}

// Invalidate drops every cached entry, e.g. after a batch ingestion.
func (c *Cached) Invalidate() {
	c.cache.Flush()
}

func (c *Cached) get(key string, load func() (*models.PatientContext, error)) (*models.PatientContext, error) {
	if v, ok := c.cache.Get(key); ok {
		pc := *v.(*models.PatientContext)
		return &pc, nil
	}
	pc, err := load()
	if err != nil {
		return nil, err
	}
	stored := *pc
	c.cache.SetDefault(key, &stored)
	return pc, nil
}
