package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

func newUnlockedStore(t *testing.T) *RootKeyStorage {
	t.Helper()
	store, err := NewRootKeyStorage(filepath.Join(t.TempDir(), "operator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateUnlock([]byte("test-passphrase")))
	return store
}

func TestCreateUnlockRejectsNilPassword(t *testing.T) {
	store, err := NewRootKeyStorage(filepath.Join(t.TempDir(), "operator.db"))
	require.NoError(t, err)
	defer store.Close()
	require.ErrorIs(t, store.CreateUnlock(nil), ErrPasswordRequired)
}

func TestCreateUnlockTwiceReturnsAlreadyUnlocked(t *testing.T) {
	store := newUnlockedStore(t)
	require.ErrorIs(t, store.CreateUnlock([]byte("test-passphrase")), ErrAlreadyUnlocked)
}

func TestRootKeyIsStableAcrossCalls(t *testing.T) {
	store := newUnlockedStore(t)
	k1, id1, err := store.RootKey(context.Background())
	require.NoError(t, err)
	k2, id2, err := store.RootKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Equal(t, id1, id2)
}

func TestGetBeforeUnlockReturnsStoreLocked(t *testing.T) {
	store, err := NewRootKeyStorage(filepath.Join(t.TempDir(), "operator.db"))
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Get(context.Background(), DefaultRootKeyID)
	require.ErrorIs(t, err, ErrStoreLocked)
}

// A minted token carrying the required capability, within its expiry,
// verifies successfully.
func TestMintAndVerifyTokenWithCapability(t *testing.T) {
	store := newUnlockedStore(t)
	wall := clock.NewDefaultClock()
	svc := NewService(store, wall)
	ctx := context.Background()

	token, err := svc.MintToken(ctx, "alice", []Capability{CapDLQRead, CapDLQResolve}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.VerifyToken(ctx, token, CapDLQRead))
	require.NoError(t, svc.VerifyToken(ctx, token, CapDLQResolve))
}

// A token missing the requested capability is rejected.
func TestVerifyTokenMissingCapability(t *testing.T) {
	store := newUnlockedStore(t)
	wall := clock.NewDefaultClock()
	svc := NewService(store, wall)
	ctx := context.Background()

	token, err := svc.MintToken(ctx, "alice", []Capability{CapDLQRead}, time.Hour)
	require.NoError(t, err)

	err = svc.VerifyToken(ctx, token, CapSyncForce)
	var missing *ErrMissingCapability
	require.ErrorAs(t, err, &missing)
	require.Equal(t, CapSyncForce, missing.Required)
}

// An expired token is rejected even though its signature is valid.
func TestVerifyTokenExpired(t *testing.T) {
	store := newUnlockedStore(t)
	wall := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	svc := NewService(store, wall)
	ctx := context.Background()

	token, err := svc.MintToken(ctx, "alice", []Capability{CapDLQRead}, time.Minute)
	require.NoError(t, err)

	wall.SetTime(time.Unix(1_700_000_000, 0).Add(2 * time.Minute))

	require.ErrorIs(t, svc.VerifyToken(ctx, token, CapDLQRead), ErrExpired)
}

// A token whose serialized bytes were altered after minting fails verification.
func TestVerifyTokenTamperedSignatureRejected(t *testing.T) {
	store := newUnlockedStore(t)
	wall := clock.NewDefaultClock()
	svc := NewService(store, wall)
	ctx := context.Background()

	token, err := svc.MintToken(ctx, "alice", []Capability{CapDLQRead}, time.Hour)
	require.NoError(t, err)

	token[len(token)-1] ^= 0xFF // invert every bit of the token's last byte
	require.Error(t, svc.VerifyToken(ctx, token, CapDLQRead))
}
