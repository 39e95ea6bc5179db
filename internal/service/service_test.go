package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/autherr"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/phone"
	redisrepo "identity-service/internal/repository/redis"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var codePattern = regexp.MustCompile(`code is (\d+)`)

type captureGateway struct {
	mu    sync.Mutex
	codes map[string]string
	fail  error
}

func (g *captureGateway) SendSMS(_ context.Context, to, body string) (string, error) {
	return "msg-1", g.capture(to, body)
}

func (g *captureGateway) SendEmail(_ context.Context, to, _, body string) error {
	return g.capture(to, body)
}

func (g *captureGateway) capture(to, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	if g.codes == nil {
		g.codes = map[string]string{}
	}
	g.codes[to] = codePattern.FindStringSubmatch(body)[1]
	return nil
}

func (g *captureGateway) code(to string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.codes[to]
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingRecorder) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type+":"+e.Outcome)
	}
	return out
}

func newRedis(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return client.WrapRedisClient(rc), mr
}

type ledgerFixture struct {
	ledger   *OTPLedger
	gateway  *captureGateway
	clock    *testClock
	recorder *recordingRecorder
	mr       *miniredis.Miniredis
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	c, mr := newRedis(t)
	hasher := hashing.NewHasher(config.HashingConfig{
		Pepper:            "test-pepper",
		Argon2MemoryCost:  64,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
	f := &ledgerFixture{
		gateway:  &captureGateway{},
		clock:    newTestClock(),
		recorder: &recordingRecorder{},
		mr:       mr,
	}
	f.ledger = NewOTPLedger(
		redisrepo.NewOTPStore(c),
		redisrepo.NewRateLimitCache(c),
		hasher,
		phone.Default(),
		f.gateway,
		f.recorder,
		OTPLedgerConfig{
			TTL:         10 * time.Minute,
			MaxAttempts: 3,
			CodeLength:  6,
			SendLimit:   3,
			SendWindow:  time.Minute,
			Retention:   time.Hour,
		},
		zap.NewNop(),
	).WithClock(f.clock.Now)
	return f
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestRequestAndVerifyCode(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	issued, err := f.ledger.RequestCode(ctx, model.ChannelPhone, "98765 43210")
	require.NoError(t, err)
	require.Equal(t, "+919876543210", issued.Target)
	require.Equal(t, f.clock.Now().Add(10*time.Minute), issued.ExpiresAt)

	code := f.gateway.code("+919876543210")
	require.Len(t, code, 6)

	v, err := f.ledger.VerifyCode(ctx, model.ChannelPhone, "09876543210", code)
	require.NoError(t, err)
	require.Equal(t, "+919876543210", v.Target)

	_, err = f.ledger.VerifyCode(ctx, model.ChannelPhone, "+919876543210", code)
	require.ErrorIs(t, err, autherr.ErrNotFound)

	require.Equal(t, []string{
		"otp.requested:OK",
		"otp.verified:OK",
		"otp.verify_failed:NotFound",
	}, f.recorder.types())
}

func TestRequestCodeIsLatestWins(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	_, err := f.ledger.RequestCode(ctx, model.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	first := f.gateway.code("alice@example.com")

	f.clock.Advance(time.Minute)
	_, err = f.ledger.RequestCode(ctx, model.ChannelEmail, "alice@example.com")
	require.NoError(t, err)
	second := f.gateway.code("alice@example.com")
	if first == second {
		t.Skip("both codes collided")
	}

	_, err = f.ledger.VerifyCode(ctx, model.ChannelEmail, "alice@example.com", first)
	require.ErrorIs(t, err, autherr.ErrNotFound)

	_, err = f.ledger.VerifyCode(ctx, model.ChannelEmail, "alice@example.com", second)
	require.NoError(t, err)
}

func TestVerifyCodeAttemptBudget(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	_, err := f.ledger.RequestCode(ctx, model.ChannelEmail, "bob@example.com")
	require.NoError(t, err)
	code := f.gateway.code("bob@example.com")

	for i := 0; i < 3; i++ {
		_, err = f.ledger.VerifyCode(ctx, model.ChannelEmail, "bob@example.com", wrongCode(code))
		require.ErrorIs(t, err, autherr.ErrInvalidCode)
	}

	_, err = f.ledger.VerifyCode(ctx, model.ChannelEmail, "bob@example.com", code)
	require.ErrorIs(t, err, autherr.ErrTooManyAttempts)
}

func TestVerifyCodeMalformedCountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	_, err := f.ledger.RequestCode(ctx, model.ChannelEmail, "carol@example.com")
	require.NoError(t, err)

	_, err = f.ledger.VerifyCode(ctx, model.ChannelEmail, "carol@example.com", "12ab")
	require.ErrorIs(t, err, autherr.ErrInvalidCode)
	require.Equal(t, "1", f.mr.HGet("otp:EMAIL:carol@example.com", "attempts"))
}

func TestVerifyCodeExpired(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	_, err := f.ledger.RequestCode(ctx, model.ChannelPhone, "+919876543210")
	require.NoError(t, err)
	code := f.gateway.code("+919876543210")

	f.clock.Advance(11 * time.Minute)
	_, err = f.ledger.VerifyCode(ctx, model.ChannelPhone, "+919876543210", code)
	require.ErrorIs(t, err, autherr.ErrExpired)

	_, err = f.ledger.VerifyCode(ctx, model.ChannelPhone, "+919876543210", code)
	require.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestRequestCodeRollsBackOnSendFailure(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	f.gateway.fail = errors.New("smtp unavailable")

	_, err := f.ledger.RequestCode(ctx, model.ChannelEmail, "dave@example.com")
	require.ErrorIs(t, err, autherr.ErrSendFailed)
	require.False(t, f.mr.Exists("otp:EMAIL:dave@example.com"))

	f.gateway.fail = nil
	_, err = f.ledger.VerifyCode(ctx, model.ChannelEmail, "dave@example.com", "123456")
	require.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestRequestCodeRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.ledger.RequestCode(ctx, model.ChannelEmail, "erin@example.com")
		require.NoError(t, err)
	}
	_, err := f.ledger.RequestCode(ctx, model.ChannelEmail, "erin@example.com")
	require.ErrorIs(t, err, autherr.ErrRateLimited)

	_, err = f.ledger.RequestCode(ctx, model.ChannelEmail, "frank@example.com")
	require.NoError(t, err)
}

func TestCanonicalize(t *testing.T) {
	f := newLedgerFixture(t)

	got, err := f.ledger.Canonicalize(model.ChannelEmail, "  Alice@Example.COM ")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", got)

	for _, bad := range []string{"not-an-email", "Alice <alice@example.com>", "a@b.com, c@d.com", ""} {
		_, err = f.ledger.Canonicalize(model.ChannelEmail, bad)
		require.ErrorIs(t, err, autherr.ErrValidation, bad)
	}
	for _, bad := range []string{"12345", "+911234567890", "98765abc10"} {
		_, err = f.ledger.Canonicalize(model.ChannelPhone, bad)
		require.ErrorIs(t, err, autherr.ErrValidation, bad)
	}
	_, err = f.ledger.Canonicalize(model.Channel("FAX"), "x")
	require.ErrorIs(t, err, autherr.ErrValidation)
}

func TestVerifyCodeConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	_, err := f.ledger.RequestCode(ctx, model.ChannelPhone, "+917012345678")
	require.NoError(t, err)
	code := f.gateway.code("+917012345678")

	const n = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notFound int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.VerifyCode(ctx, model.ChannelPhone, "+917012345678", code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, autherr.ErrNotFound):
				notFound++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, n-1, notFound)
}

func TestOTPCleanupExpired(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	_, err := f.ledger.RequestCode(ctx, model.ChannelEmail, "gina@example.com")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	_, err = f.ledger.RequestCode(ctx, model.ChannelEmail, "hank@example.com")
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	n, err := f.ledger.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, f.mr.Exists("otp:EMAIL:gina@example.com"))
	require.True(t, f.mr.Exists("otp:EMAIL:hank@example.com"))
}

func newStateManager(t *testing.T) (*OAuthStateManager, *testClock, *recordingRecorder) {
	t.Helper()
	c, _ := newRedis(t)
	clock := newTestClock()
	rec := &recordingRecorder{}
	m := NewOAuthStateManager(redisrepo.NewOAuthStateStore(c, time.Hour), rec, 10*time.Minute, zap.NewNop()).
		WithClock(clock.Now)
	return m, clock, rec
}

var statePattern = regexp.MustCompile(`^[0-9a-z]+\.[A-Za-z0-9_-]{43}$`)

func TestStateGenerateAndConsume(t *testing.T) {
	ctx := context.Background()
	m, _, rec := newStateManager(t)

	state, err := m.GenerateState(ctx, "google", "https://app.example.com/done", 0)
	require.NoError(t, err)
	require.Regexp(t, statePattern, state)

	other, err := m.GenerateState(ctx, "google", "", 0)
	require.NoError(t, err)
	require.NotEqual(t, state, other)

	redirect, err := m.ValidateAndConsume(ctx, state, "google")
	require.NoError(t, err)
	require.Equal(t, "https://app.example.com/done", redirect)

	_, err = m.ValidateAndConsume(ctx, state, "google")
	require.ErrorIs(t, err, autherr.ErrNotFound)

	_, err = m.ValidateAndConsume(ctx, "forged.token", "google")
	require.ErrorIs(t, err, autherr.ErrNotFound)

	require.Contains(t, rec.types(), "oauth.state_consumed:OK")
	require.Contains(t, rec.types(), "oauth.state_rejected:NotFound")
}

func TestStateProviderMismatchLeavesStateUsable(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newStateManager(t)

	state, err := m.GenerateState(ctx, "google", "/home", 5)
	require.NoError(t, err)

	_, err = m.ValidateAndConsume(ctx, state, "github")
	require.ErrorIs(t, err, autherr.ErrProviderMismatch)

	redirect, err := m.ValidateAndConsume(ctx, state, " Google ")
	require.NoError(t, err)
	require.Equal(t, "/home", redirect)
}

func TestStateExpiredThenNotFound(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newStateManager(t)

	state, err := m.GenerateState(ctx, "google", "", 1)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = m.ValidateAndConsume(ctx, state, "google")
	require.ErrorIs(t, err, autherr.ErrExpired)

	_, err = m.ValidateAndConsume(ctx, state, "google")
	require.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestStateRequiresProvider(t *testing.T) {
	m, _, _ := newStateManager(t)
	_, err := m.GenerateState(context.Background(), "  ", "", 0)
	require.ErrorIs(t, err, autherr.ErrValidation)
}

func TestStateConcurrentConsumeSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newStateManager(t)

	state, err := m.GenerateState(ctx, "google", "/ok", 0)
	require.NoError(t, err)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notFound int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ValidateAndConsume(ctx, state, "google")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, autherr.ErrNotFound):
				notFound++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, n-1, notFound)
}

func TestStateCleanupExpired(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newStateManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.GenerateState(ctx, "google", "", 1)
		require.NoError(t, err)
	}
	keep, err := m.GenerateState(ctx, "google", "/keep", 30)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	n, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = m.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	redirect, err := m.ValidateAndConsume(ctx, keep, "google")
	require.NoError(t, err)
	require.Equal(t, "/keep", redirect)
}
