package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/registry"
	"github.com/narrativelab/threadscope/pkg/store"
)

// Library read bounds.
const (
	phenomenonListLimit   = 100
	phenomenonPostSamples = 10
)

// PhenomenonStore is the persistence surface the library service needs.
type PhenomenonStore interface {
	registry.StatsStore
	GetPhenomenon(ctx context.Context, id string) (*models.Phenomenon, error)
	ListPhenomena(ctx context.Context, status, q string, limit int) ([]*models.Phenomenon, error)
	PromotePhenomenon(ctx context.Context, id string) (*models.Phenomenon, error)
}

// PhenomenonListEntry is one registry row with its post-side stats.
type PhenomenonListEntry struct {
	Phenomenon *models.Phenomenon      `json:"phenomenon"`
	Stats      *models.PhenomenonStats `json:"stats,omitempty"`
}

// PhenomenonService serves the narrative library endpoints.
type PhenomenonService struct {
	store PhenomenonStore
	cache *ReadCache
}

// NewPhenomenonService wires the library service.
func NewPhenomenonService(st PhenomenonStore) *PhenomenonService {
	return &PhenomenonService{store: st, cache: NewReadCache()}
}

// List returns registry entries with usage stats, filtered by status and a
// name/description substring.
func (s *PhenomenonService) List(ctx context.Context, status, q string) ([]PhenomenonListEntry, bool, error) {
	key := fmt.Sprintf("phenomena:list:%s:%s", status, q)
	value, degraded, err := s.cache.Fetch(key, func() (any, error) {
		phenomena, loadErr := s.store.ListPhenomena(ctx, status, q, phenomenonListLimit)
		if loadErr != nil {
			return nil, loadErr
		}
		entries := make([]PhenomenonListEntry, 0, len(phenomena))
		for _, ph := range phenomena {
			entry := PhenomenonListEntry{Phenomenon: ph}
			stats, statsErr := s.store.PhenomenonPostStats(ctx, ph.ID)
			if statsErr == nil {
				entry.Stats = stats
			}
			entries = append(entries, entry)
		}
		return entries, nil
	})
	if err != nil {
		return []PhenomenonListEntry{}, degraded, err
	}
	entries, _ := value.([]PhenomenonListEntry)
	return entries, degraded, nil
}

// Detail returns one phenomenon with stats and example posts.
func (s *PhenomenonService) Detail(ctx context.Context, id string) (*registry.PhenomenonDetail, bool, error) {
	value, degraded, err := s.cache.Fetch("phenomena:detail:"+id, func() (any, error) {
		ph, loadErr := s.store.GetPhenomenon(ctx, id)
		if loadErr != nil {
			return nil, loadErr
		}
		return registry.BuildDetail(ctx, s.store, ph, phenomenonPostSamples)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, degraded, ErrNotFound
		}
		return nil, degraded, err
	}
	detail, _ := value.(*registry.PhenomenonDetail)
	return detail, degraded, nil
}

// Promote moves a provisional phenomenon to active. Any other current status
// is a state conflict.
func (s *PhenomenonService) Promote(ctx context.Context, id string) (*models.Phenomenon, error) {
	ph, err := s.store.PromotePhenomenon(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrConflict):
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, err
	}
	return ph, nil
}
