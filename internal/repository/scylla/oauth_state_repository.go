package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"identity-service/internal/model"
)

type OAuthStateRepository struct {
	client    *ScyllaClient
	retention time.Duration
}

func NewOAuthStateRepository(client *ScyllaClient, retention time.Duration) *OAuthStateRepository {
	return &OAuthStateRepository{client: client, retention: retention}
}

var _ model.OAuthStateStore = (*OAuthStateRepository)(nil)

func (r *OAuthStateRepository) Save(ctx context.Context, st *model.OAuthState) error {
	ttl := ttlSeconds(st.ExpiresAt.Sub(st.CreatedAt) + r.retention)
	applied, err := r.client.ExecCAS(ctx, r.client.Statements.InsertState,
		st.State, st.Provider, st.RedirectURI, st.CreatedAt, st.ExpiresAt, ttl)
	if err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	if !applied {
		return model.ErrStateExists
	}
	return nil
}

func (r *OAuthStateRepository) Get(ctx context.Context, state string) (*model.OAuthState, error) {
	st := &model.OAuthState{State: state}
	q := r.client.Query(ctx, r.client.Statements.GetState, state).
		Consistency(gocql.Consistency(gocql.LocalSerial))
	err := r.client.ScanWithRetry(q, &st.Provider, &st.RedirectURI, &st.CreatedAt, &st.ExpiresAt)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth state: %w", err)
	}
	return st, nil
}

// Delete uses DELETE ... IF EXISTS so exactly one caller sees applied.
func (r *OAuthStateRepository) Delete(ctx context.Context, state string) (bool, error) {
	applied, err := r.client.ExecCAS(ctx, r.client.Statements.DeleteState, state)
	if err != nil {
		return false, fmt.Errorf("failed to delete oauth state: %w", err)
	}
	return applied, nil
}

func (r *OAuthStateRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	iter := r.client.Query(ctx, r.client.Statements.ScanExpiredStates, now).Iter()

	var state string
	deleted := 0
	for iter.Scan(&state) {
		ok, err := r.Delete(ctx, state)
		if err != nil {
			_ = iter.Close()
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("failed to scan expired oauth states: %w", err)
	}
	return deleted, nil
}
