package session

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/botfleet/internal/domain"
)

// ErrNothingToConnect is returned by the bulk helpers when their source
// lists no tenants.
var ErrNothingToConnect = errors.New("no numbers found to connect")

// ConnectMany pairs every id in ids. Slots are shared process-wide and
// capped at MaxConcurrent; ids that find no free slot are reported queued
// and not attempted. Active ids are skipped.
func (m *Manager) ConnectMany(ctx context.Context, ids []string) []domain.BulkResult {
	results := make([]domain.BulkResult, len(ids))
	var admitted []int
	for i, raw := range ids {
		id, err := domain.NormalizeTenantID(raw)
		if err != nil {
			results[i] = domain.BulkResult{Tenant: raw, Status: domain.BulkStatusFailed, Error: err.Error()}
			continue
		}
		results[i].Tenant = id
		if m.state.Registry.IsActive(id) {
			results[i].Status = domain.BulkStatusAlreadyConnected
			continue
		}
		if !m.bulk.TryAcquire(1) {
			results[i].Status = domain.BulkStatusQueued
			continue
		}
		admitted = append(admitted, i)
	}

	var g errgroup.Group
	for _, i := range admitted {
		g.Go(func() error {
			defer m.bulk.Release(1)
			res, err := m.Pair(ctx, results[i].Tenant)
			switch {
			case err != nil:
				results[i].Status = domain.BulkStatusFailed
				results[i].Error = err.Error()
			case res.Status == domain.PairStatusAlreadyConnected:
				results[i].Status = domain.BulkStatusAlreadyConnected
			default:
				results[i].Status = domain.BulkStatusInitiated
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ConnectRoster connects every tenant listed in the roster file.
func (m *Manager) ConnectRoster(ctx context.Context) ([]domain.BulkResult, error) {
	if m.roster == nil {
		return nil, ErrNothingToConnect
	}
	ids, err := m.roster.List()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNothingToConnect
	}
	return m.ConnectMany(ctx, ids), nil
}

// ReconnectStored connects every tenant that has credentials in the store.
func (m *Manager) ReconnectStored(ctx context.Context) ([]domain.BulkResult, error) {
	ids, err := m.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNothingToConnect
	}
	return m.ConnectMany(ctx, ids), nil
}
