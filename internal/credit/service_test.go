package credit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gatekeeper/internal/storage"
	"gatekeeper/internal/storage/storagetest"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const testFingerprint = "9f86d081884c7d65"

func newTestService(t *testing.T, store storage.Store, clock *storagetest.Clock) *Service {
	t.Helper()
	svc, err := NewService(store, Config{
		Secret:        testSecret,
		Lifetime:      5 * time.Minute,
		UsedMarkerTTL: 24 * time.Hour,
	}, WithClock(clock.Now))
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresSecret(t *testing.T) {
	_, err := NewService(storage.NewMemoryStore(storage.Config{}), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestIssue_RecordsPendingToken(t *testing.T) {
	clock := storagetest.NewClock()
	store := storagetest.NewMemoryStore(clock)
	svc := newTestService(t, store, clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	assert.NotEmpty(t, issued.Token)
	assert.NotEmpty(t, issued.ID)
	assert.Equal(t, clock.Now().Add(5*time.Minute).Unix(), issued.ExpiresAt)

	stored, err := store.Get(ctx, validPrefix+issued.ID)
	require.NoError(t, err)
	assert.Equal(t, testFingerprint, string(stored))

	clock.Advance(5 * time.Minute)
	_, err = store.Get(ctx, validPrefix+issued.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIssue_Errors(t *testing.T) {
	clock := storagetest.NewClock()
	store := storagetest.NewFaultyStore(storagetest.NewMemoryStore(clock))
	svc := newTestService(t, store, clock)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "  ")
	require.Error(t, err)

	store.FailSet(true)
	_, err = svc.Issue(ctx, testFingerprint)
	require.Error(t, err)
	assert.ErrorIs(t, err, storagetest.ErrInjected)
}

func TestIssue_UniqueTokens(t *testing.T) {
	clock := storagetest.NewClock()
	svc := newTestService(t, storagetest.NewMemoryStore(clock), clock)

	a, err := svc.Issue(context.Background(), testFingerprint)
	require.NoError(t, err)
	b, err := svc.Issue(context.Background(), testFingerprint)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Token, b.Token)
}

func TestRedeem_ValidOnce(t *testing.T) {
	clock := storagetest.NewClock()
	store := storagetest.NewMemoryStore(clock)
	svc := newTestService(t, store, clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NotNil(t, res.Payload)
	assert.Equal(t, Kind, res.Payload.Kind)
	assert.Equal(t, issued.ID, res.Payload.ID)
	assert.Equal(t, testFingerprint, res.Payload.Fingerprint)
	assert.Len(t, res.Payload.Nonce, 32)
	assert.Equal(t, issued.ExpiresAt, res.Payload.ExpiresAt)
	assert.Equal(t, clock.Now().Unix(), res.Payload.IssuedAt)

	_, err = store.Get(ctx, validPrefix+issued.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, usedPrefix+issued.ID)
	assert.NoError(t, err)

	again, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.False(t, again.Valid)
	assert.Equal(t, ReasonAlreadyUsed, again.Reason)
	assert.Nil(t, again.Payload)
}

func TestRedeem_Rejections(t *testing.T) {
	clock := storagetest.NewClock()
	svc := newTestService(t, storagetest.NewMemoryStore(clock), clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	other, err := NewService(storagetest.NewMemoryStore(clock), Config{
		Secret:   []byte("ffffffffffffffffffffffffffffffff"),
		Lifetime: 5 * time.Minute,
	}, WithClock(clock.Now))
	require.NoError(t, err)
	forged, err := other.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	tests := []struct {
		name        string
		token       string
		fingerprint string
		reason      string
	}{
		{"missing token", "", testFingerprint, ReasonMissingInput},
		{"missing fingerprint", issued.Token, " ", ReasonMissingInput},
		{"garbage token", "not-a-token", testFingerprint, ReasonInvalidSignature},
		{"foreign secret", forged.Token, testFingerprint, ReasonInvalidSignature},
		{"caller mismatch", issued.Token, "0000000000000000", ReasonFingerprintMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Redeem(ctx, tt.token, tt.fingerprint)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}

	// None of the rejections consumed the token.
	res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRedeem_Expired(t *testing.T) {
	clock := storagetest.NewClock()
	svc := newTestService(t, storagetest.NewMemoryStore(clock), clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	clock.Advance(5*time.Minute + time.Second)
	res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExpired, res.Reason)
}

func TestRedeem_WrongKind(t *testing.T) {
	clock := storagetest.NewClock()
	svc := newTestService(t, storagetest.NewMemoryStore(clock), clock)

	tok, err := jwt.NewBuilder().
		JwtID("abc").
		IssuedAt(clock.Now()).
		Expiration(clock.Now().Add(time.Minute)).
		Claim(claimKind, "synthesis").
		Claim(claimFingerprint, testFingerprint).
		Claim(claimNonce, "00").
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, testSecret))
	require.NoError(t, err)

	res, err := svc.Redeem(context.Background(), string(signed), testFingerprint)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonInvalidType, res.Reason)
}

func TestRedeem_MissingClaims(t *testing.T) {
	clock := storagetest.NewClock()
	svc := newTestService(t, storagetest.NewMemoryStore(clock), clock)

	tok, err := jwt.NewBuilder().
		Expiration(clock.Now().Add(time.Minute)).
		Claim(claimKind, Kind).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, testSecret))
	require.NoError(t, err)

	res, err := svc.Redeem(context.Background(), string(signed), testFingerprint)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonInvalidSignature, res.Reason)
}

func TestRedeem_PendingMarkerChecks(t *testing.T) {
	tests := []struct {
		name   string
		store  func(clock *storagetest.Clock) storage.Store
		mutate func(t *testing.T, store storage.Store, id string)
		reason string
	}{
		{
			name:  "claim path not found",
			store: func(c *storagetest.Clock) storage.Store { return storagetest.NewMemoryStore(c) },
			mutate: func(t *testing.T, store storage.Store, id string) {
				_, err := store.Delete(context.Background(), validPrefix+id)
				require.NoError(t, err)
			},
			reason: ReasonNotFound,
		},
		{
			name:  "claim path stored mismatch",
			store: func(c *storagetest.Clock) storage.Store { return storagetest.NewMemoryStore(c) },
			mutate: func(t *testing.T, store storage.Store, id string) {
				require.NoError(t, store.Set(context.Background(), validPrefix+id, []byte("other"), time.Minute))
			},
			reason: ReasonStoredFingerprintMismatch,
		},
		{
			name: "fallback path not found",
			store: func(c *storagetest.Clock) storage.Store {
				return storagetest.PlainStore{Store: storagetest.NewMemoryStore(c)}
			},
			mutate: func(t *testing.T, store storage.Store, id string) {
				_, err := store.Delete(context.Background(), validPrefix+id)
				require.NoError(t, err)
			},
			reason: ReasonNotFound,
		},
		{
			name: "fallback path stored mismatch",
			store: func(c *storagetest.Clock) storage.Store {
				return storagetest.PlainStore{Store: storagetest.NewMemoryStore(c)}
			},
			mutate: func(t *testing.T, store storage.Store, id string) {
				require.NoError(t, store.Set(context.Background(), validPrefix+id, []byte("other"), time.Minute))
			},
			reason: ReasonStoredFingerprintMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := storagetest.NewClock()
			store := tt.store(clock)
			svc := newTestService(t, store, clock)
			ctx := context.Background()

			issued, err := svc.Issue(ctx, testFingerprint)
			require.NoError(t, err)
			tt.mutate(t, store, issued.ID)

			res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestRedeem_FallbackPath(t *testing.T) {
	clock := storagetest.NewClock()
	store := storagetest.PlainStore{Store: storagetest.NewMemoryStore(clock)}
	svc := newTestService(t, store, clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	res, err := svc.Redeem(ctx, issued.Token, "0000000000000000")
	require.NoError(t, err)
	assert.Equal(t, ReasonFingerprintMismatch, res.Reason)

	res, err = svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonAlreadyUsed, res.Reason)
}

func TestRedeem_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	clock := storagetest.NewClock()
	svc := newTestService(t, storagetest.NewMemoryStore(clock), clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		valid atomic.Int32
		used  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
			if err != nil {
				return
			}
			if res.Valid {
				valid.Add(1)
			} else if res.Reason == ReasonAlreadyUsed {
				used.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), valid.Load())
	assert.Equal(t, int32(19), used.Load())
}

func TestRedeem_ClaimFailureKeepsToken(t *testing.T) {
	clock := storagetest.NewClock()
	store := storagetest.NewFaultyStore(storagetest.NewMemoryStore(clock))
	svc := newTestService(t, store, clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	store.FailSet(true)
	_, err = svc.Redeem(ctx, issued.Token, testFingerprint)
	require.Error(t, err)
	assert.ErrorIs(t, err, storagetest.ErrInjected)

	store.FailSet(false)
	res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRedeem_LookupFailureReleasesClaim(t *testing.T) {
	clock := storagetest.NewClock()
	store := storagetest.NewFaultyStore(storagetest.NewMemoryStore(clock))
	svc := newTestService(t, store, clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	store.FailGet(true)
	_, err = svc.Redeem(ctx, issued.Token, testFingerprint)
	require.Error(t, err)

	store.FailGet(false)
	res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRedeem_FinalizeFailureStillValid(t *testing.T) {
	clock := storagetest.NewClock()
	store := storagetest.NewFaultyStore(storagetest.NewMemoryStore(clock))
	svc := newTestService(t, store, clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	store.FailDelete(true)
	res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	// The used marker still blocks replay.
	res, err = svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyUsed, res.Reason)
}

func TestRedeem_FallbackFinalizeFailureStillValid(t *testing.T) {
	clock := storagetest.NewClock()
	faulty := storagetest.NewFaultyStore(storagetest.NewMemoryStore(clock))
	svc := newTestService(t, storagetest.PlainStore{Store: faulty}, clock)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)

	faulty.FailSet(true)
	faulty.FailDelete(true)
	res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRestore_MakesTokenRedeemableAgain(t *testing.T) {
	stores := map[string]func(c *storagetest.Clock) storage.Store{
		"claim": func(c *storagetest.Clock) storage.Store { return storagetest.NewMemoryStore(c) },
		"fallback": func(c *storagetest.Clock) storage.Store {
			return storagetest.PlainStore{Store: storagetest.NewMemoryStore(c)}
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			clock := storagetest.NewClock()
			svc := newTestService(t, newStore(clock), clock)
			ctx := context.Background()

			issued, err := svc.Issue(ctx, testFingerprint)
			require.NoError(t, err)
			first, err := svc.Redeem(ctx, issued.Token, testFingerprint)
			require.NoError(t, err)
			require.True(t, first.Valid)

			require.NoError(t, svc.Restore(ctx, first.Payload))

			again, err := svc.Redeem(ctx, issued.Token, testFingerprint)
			require.NoError(t, err)
			assert.True(t, again.Valid)

			replay, err := svc.Redeem(ctx, issued.Token, testFingerprint)
			require.NoError(t, err)
			assert.Equal(t, ReasonAlreadyUsed, replay.Reason)
		})
	}
}

func TestRestore_Errors(t *testing.T) {
	clock := storagetest.NewClock()
	faulty := storagetest.NewFaultyStore(storagetest.NewMemoryStore(clock))
	svc := newTestService(t, faulty, clock)
	ctx := context.Background()

	assert.Error(t, svc.Restore(ctx, nil))

	issued, err := svc.Issue(ctx, testFingerprint)
	require.NoError(t, err)
	res, err := svc.Redeem(ctx, issued.Token, testFingerprint)
	require.NoError(t, err)
	require.True(t, res.Valid)

	faulty.FailSet(true)
	assert.ErrorIs(t, svc.Restore(ctx, res.Payload), storagetest.ErrInjected)
	faulty.FailSet(false)

	clock.Advance(5 * time.Minute)
	err = svc.Restore(ctx, res.Payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}
