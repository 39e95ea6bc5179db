package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"identity-service/internal/client"
	"identity-service/internal/model"
)

const (
	statePrefix      = "oauth_state:"
	stateExpiryIndex = "oauth_state:expiry"
)

// OAuthStateStore keeps one hash per state token.
type OAuthStateStore struct {
	client    *client.RedisClient
	retention time.Duration
}

// NewOAuthStateStore keeps keys for retention past their expiry so an expired
// state is reported as expired once before it disappears.
func NewOAuthStateStore(client *client.RedisClient, retention time.Duration) *OAuthStateStore {
	return &OAuthStateStore{client: client, retention: retention}
}

var _ model.OAuthStateStore = (*OAuthStateStore)(nil)

func (s *OAuthStateStore) Save(ctx context.Context, st *model.OAuthState) error {
	keyTTL := st.ExpiresAt.Sub(st.CreatedAt) + s.retention
	if keyTTL < time.Millisecond {
		keyTTL = time.Millisecond
	}
	res, err := s.client.RunScript(ctx, insertStateScript,
		[]string{statePrefix + st.State, stateExpiryIndex},
		st.ExpiresAt.UnixMilli(),
		keyTTL.Milliseconds(),
		"state", st.State,
		"provider", st.Provider,
		"redirect_uri", st.RedirectURI,
		"created_at", st.CreatedAt.UnixMilli(),
		"expires_at", st.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	n, err := toInt64(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrStateExists
	}
	return nil
}

func (s *OAuthStateStore) Get(ctx context.Context, state string) (*model.OAuthState, error) {
	fields, err := s.client.HGetAll(ctx, statePrefix+state)
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth state: %w", err)
	}
	if len(fields) == 0 || fields["state"] == "" {
		return nil, nil
	}

	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt oauth state created_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt oauth state expires_at: %w", err)
	}
	return &model.OAuthState{
		State:       fields["state"],
		Provider:    fields["provider"],
		RedirectURI: fields["redirect_uri"],
		CreatedAt:   time.UnixMilli(created),
		ExpiresAt:   time.UnixMilli(expires),
	}, nil
}

// Delete is the compare-and-delete step of consumption: DEL reports 1 to
// exactly one caller.
func (s *OAuthStateStore) Delete(ctx context.Context, state string) (bool, error) {
	key := statePrefix + state

	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, key)
	pipe.ZRem(ctx, stateExpiryIndex, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete oauth state: %w", err)
	}
	return del.Val() == 1, nil
}

func (s *OAuthStateStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return sweep(ctx, s.client, stateExpiryIndex, now)
}

func redisZ(expiresAt time.Time, member string) goredis.Z {
	return goredis.Z{Score: float64(expiresAt.UnixMilli()), Member: member}
}
