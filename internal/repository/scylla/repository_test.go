package scylla

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

func TestTTLSeconds(t *testing.T) {
	require.Equal(t, 1, ttlSeconds(0))
	require.Equal(t, 1, ttlSeconds(-time.Minute))
	require.Equal(t, 1, ttlSeconds(200*time.Millisecond))
	require.Equal(t, 61, ttlSeconds(60*time.Second+time.Millisecond))
	require.Equal(t, 4200, ttlSeconds(70*time.Minute))
}

func TestOTPRowWithoutIDIsAbsent(t *testing.T) {
	// Only attempt_count survived the row TTL.
	orphan := otpRow{attempts: 2}
	require.Nil(t, orphan.record(model.ChannelPhone, "+919876543210"))

	now := time.Now().UTC()
	row := otpRow{
		id:         "rec-1",
		codeHash:   "h",
		createdAt:  now,
		expiresAt:  now.Add(time.Minute),
		attempts:   1,
		superseded: []string{"old"},
		ttl:        3600,
	}
	rec := row.record(model.ChannelPhone, "+919876543210")
	require.NotNil(t, rec)
	require.Equal(t, "rec-1", rec.ID)
	require.Equal(t, model.ChannelPhone, rec.Channel)
	require.Equal(t, "+919876543210", rec.Target)
	require.Equal(t, 1, rec.AttemptCount)
	require.Equal(t, []string{"old"}, rec.Superseded)
	require.Equal(t, now.Add(time.Minute), rec.ExpiresAt)
}

func TestOTPWritesAreConditional(t *testing.T) {
	for name, stmt := range map[string]string{
		"InsertOTP":          statements.InsertOTP,
		"ReplaceOTP":         statements.ReplaceOTP,
		"ReplaceOrphanOTP":   statements.ReplaceOrphanOTP,
		"UpdateOTPAttempts":  statements.UpdateOTPAttempts,
		"ConsumeOTP":         statements.ConsumeOTP,
		"DeleteOTPIfCurrent": statements.DeleteOTPIfCurrent,
	} {
		require.Contains(t, stmt, " IF ", name)
	}
	for name, stmt := range map[string]string{
		"InsertOTP":         statements.InsertOTP,
		"ReplaceOTP":        statements.ReplaceOTP,
		"ReplaceOrphanOTP":  statements.ReplaceOrphanOTP,
		"UpdateOTPAttempts": statements.UpdateOTPAttempts,
	} {
		require.Contains(t, stmt, "USING TTL ?", name)
	}
}

// newIntegrationClient connects to SCYLLA_TEST_NODES or skips.
func newIntegrationClient(t *testing.T) *ScyllaClient {
	t.Helper()
	nodes := os.Getenv("SCYLLA_TEST_NODES")
	if nodes == "" {
		t.Skip("SCYLLA_TEST_NODES not set")
	}
	cfg := &config.Config{
		Environment: "test",
		Scylla: config.ScyllaConfig{
			Nodes:    strings.Split(nodes, ","),
			Keyspace: util.GetEnv("SCYLLA_TEST_KEYSPACE", "identity_test"),
		},
	}
	c, err := NewScyllaClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestOTPRepositoryLifecycle(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()
	repo := NewOTPRepository(c)

	now := time.Now().UTC().Truncate(time.Millisecond)
	target := "it-" + uuid.NewString() + "@example.com"
	rec := &model.OTPRecord{
		ID:        uuid.NewString(),
		Channel:   model.ChannelEmail,
		Target:    target,
		CodeHash:  "h",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, repo.Replace(ctx, rec, time.Minute))

	n, ok, err := repo.IncrementAttempts(ctx, rec.Channel, target, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, n)

	ok, err = repo.Consume(ctx, rec.Channel, target, rec.ID, 1)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.Consume(ctx, rec.Channel, target, rec.ID, 5)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.Get(ctx, rec.Channel, target)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOTPRepositoryReplaceIsLatestWins(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()
	repo := NewOTPRepository(c)

	now := time.Now().UTC().Truncate(time.Millisecond)
	target := "it-" + uuid.NewString() + "@example.com"
	first := &model.OTPRecord{ID: uuid.NewString(), Channel: model.ChannelEmail, Target: target,
		CodeHash: "h1", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, repo.Replace(ctx, first, time.Minute))

	_, ok, err := repo.IncrementAttempts(ctx, first.Channel, target, first.ID)
	require.NoError(t, err)
	require.True(t, ok)

	second := &model.OTPRecord{ID: uuid.NewString(), Channel: model.ChannelEmail, Target: target,
		CodeHash: "h2", CreatedAt: now, ExpiresAt: now.Add(time.Minute), Superseded: []string{"h1"}}
	require.NoError(t, repo.Replace(ctx, second, time.Minute))

	got, err := repo.Get(ctx, second.Channel, target)
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)
	require.Equal(t, 0, got.AttemptCount)
	require.Equal(t, []string{"h1"}, got.Superseded)

	ok, err = repo.DeleteIfCurrent(ctx, first.Channel, target, first.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOAuthStateRepositorySingleUse(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()
	repo := NewOAuthStateRepository(c, time.Minute)

	now := time.Now().UTC().Truncate(time.Millisecond)
	st := &model.OAuthState{
		State:     uuid.NewString(),
		Provider:  "google",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, repo.Save(ctx, st))
	require.ErrorIs(t, repo.Save(ctx, st), model.ErrStateExists)

	ok, err := repo.Delete(ctx, st.State)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.Delete(ctx, st.State)
	require.NoError(t, err)
	require.False(t, ok)
}
