package signedstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/crypto"
)

type counter struct {
	Value   int      `json:"value"`
	Label   string   `json:"label,omitempty"`
	Writers []string `json:"writers,omitempty"`
}

func newTestStore(t *testing.T, path string, signer crypto.Signer, mutate ...func(*Options)) *Store[counter] {
	t.Helper()
	opts := Options{
		Path:               path,
		Signer:             signer,
		LockInitialBackoff: time.Millisecond,
		LockMaxBackoff:     20 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New[counter](opts)
	require.NoError(t, err)
	return s
}

func testSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer("store-test")
	require.NoError(t, err)
	return s
}

func TestStore_LoadMissingReturnsDefault(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))

	rec, err := s.Load(context.Background(), counter{Label: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, counter{Label: "fresh"}, rec)

	_, err = os.Stat(s.Path() + ".lock")
	assert.True(t, os.IsNotExist(err), "lock must be released after load")
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))
	ctx := context.Background()

	want := counter{Value: 42, Label: "<council & co>", Writers: []string{"a", "b"}}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx, counter{})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_UpdateAppliesFunction(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Update(ctx, counter{}, func(c counter) (counter, error) {
			c.Value++
			return c, nil
		})
		require.NoError(t, err)
	}

	got, err := s.Load(ctx, counter{})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Value)
}

func TestStore_UpdateErrorWritesNothing(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, counter{Value: 1}))

	boom := errors.New("boom")
	_, err := s.Update(ctx, counter{}, func(c counter) (counter, error) {
		c.Value = 99
		return c, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Load(ctx, counter{})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)
}

func TestStore_TamperedSignatureIsIntegrityError(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, counter{Value: 7}))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	// Flip the last hex digit of the signature.
	sig := []byte(env.Signature)
	last := len(sig) - 1
	if sig[last] == '0' {
		sig[last] = '1'
	} else {
		sig[last] = '0'
	}
	tampered := strings.Replace(string(raw), env.Signature, string(sig), 1)
	require.NoError(t, os.WriteFile(s.Path(), []byte(tampered), 0o600))

	got, err := s.Load(ctx, counter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, s.Path(), ie.Path)
	assert.Equal(t, counter{}, got, "no record is returned on integrity failure")
}

func TestStore_TamperedDataIsIntegrityError(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, counter{Value: 7}))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"value": 7`, `"value": 8`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(s.Path(), []byte(tampered), 0o600))

	_, err = s.Load(ctx, counter{})
	assert.ErrorIs(t, err, ErrIntegrity)

	_, err = s.Update(ctx, counter{}, func(c counter) (counter, error) { return c, nil })
	assert.ErrorIs(t, err, ErrIntegrity, "update must not overwrite a tampered store")
}

func TestStore_WrongKeyIsIntegrityError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	writer := newTestStore(t, path, testSigner(t))
	require.NoError(t, writer.Save(context.Background(), counter{Value: 1}))

	other := testSigner(t)
	reader := newTestStore(t, path, nil, func(o *Options) { o.PublicKey = other.PublicKey() })
	_, err := reader.Load(context.Background(), counter{})
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestStore_UnsignedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	data := `{"schema_version":"1.0.0","last_modified":"2026-01-01T00:00:00Z","data":{"value":5}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	strict := newTestStore(t, path, testSigner(t))
	_, err := strict.Load(context.Background(), counter{})
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "missing signature", ie.Reason)

	dev := newTestStore(t, path, nil, func(o *Options) { o.AllowUnsigned = true })
	got, err := dev.Load(context.Background(), counter{})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Value)
}

func TestStore_RequiresKeyUnlessUnsignedAllowed(t *testing.T) {
	_, err := New[counter](Options{Path: filepath.Join(t.TempDir(), "s.json")})
	assert.Error(t, err)

	_, err = New[counter](Options{})
	assert.Error(t, err)
}

func TestStore_ReadOnlyStoreCannotSave(t *testing.T) {
	signer := testSigner(t)
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), nil, func(o *Options) { o.PublicKey = signer.PublicKey() })
	assert.Error(t, s.Save(context.Background(), counter{}))
}

func TestStore_IncompatibleSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	signer := testSigner(t)
	v2 := newTestStore(t, path, signer, func(o *Options) { o.SchemaVersion = "2.1.0" })
	require.NoError(t, v2.Save(context.Background(), counter{Value: 1}))

	v1 := newTestStore(t, path, signer)
	_, err := v1.Load(context.Background(), counter{})
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Reason, "not compatible")

	v21 := newTestStore(t, path, signer, func(o *Options) { o.SchemaVersion = "2.0.0" })
	_, err = v21.Load(context.Background(), counter{})
	assert.NoError(t, err, "minor versions within a major are compatible")
}

func TestStore_DataSchemaRejectsInvalidRecord(t *testing.T) {
	schema := `{
		"type": "object",
		"properties": {"value": {"type": "integer", "minimum": 0}, "label": {"enum": ["ok"]}},
		"required": ["value"]
	}`
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t), func(o *Options) { o.DataSchema = schema })
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, counter{Value: 1, Label: "ok"}))
	assert.Error(t, s.Save(ctx, counter{Value: 1, Label: "bogus"}))

	got, err := s.Load(ctx, counter{})
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Label)
}

func TestStore_FreshLockTimesOut(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t), func(o *Options) {
		o.LockMaxAttempts = 3
	})
	held, err := s.locker.acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = held.release() }()

	_, err = s.Load(context.Background(), counter{})
	require.ErrorIs(t, err, ErrConcurrency)
	var ce *ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Contains(t, ce.Holder, "pid")
	assert.True(t, IsRetryable(err))
}

func TestStore_StaleLockIsReclaimed(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t), func(o *Options) {
		o.LockStaleAfter = time.Second
		o.LockMaxAttempts = 2
	})
	lockPath := s.Path() + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"token":"dead","pid":1,"host":"gone"}`), 0o600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	_, err := s.Update(context.Background(), counter{}, func(c counter) (counter, error) {
		c.Value++
		return c, nil
	})
	require.NoError(t, err)

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_ReleaseLeavesForeignLock(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))
	lk, err := s.locker.acquire(context.Background())
	require.NoError(t, err)

	// Simulate another holder reclaiming the lock while we held it.
	require.NoError(t, os.WriteFile(lk.path, []byte(`{"token":"someone-else"}`), 0o600))
	require.NoError(t, lk.release())

	_, err = os.Stat(lk.path)
	assert.NoError(t, err, "a lock we no longer own must not be removed")
}

func TestStore_UpdateRefusesToCommitAfterLosingLock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))
	require.NoError(t, s.Save(ctx, counter{Value: 1}))
	lockPath := s.Path() + ".lock"

	_, err := s.Update(ctx, counter{}, func(c counter) (counter, error) {
		// Another process reclaimed the lock while fn was running.
		require.NoError(t, os.WriteFile(lockPath, []byte(`{"token":"someone-else"}`), 0o600))
		c.Value++
		return c, nil
	})
	require.ErrorIs(t, err, ErrConcurrency)
	var ce *ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Lost)
	assert.True(t, IsRetryable(err))

	data, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "someone-else", "the other holder keeps its lock")

	require.NoError(t, os.Remove(lockPath))
	got, err := s.Load(ctx, counter{})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value, "nothing was written without the lock")
}

func TestFileLock_HeldDetectsVanishedLock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, filepath.Join(t.TempDir(), "state.json"), testSigner(t))
	lk, err := s.locker.acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, lk.held())

	require.NoError(t, os.Remove(lk.path))
	assert.ErrorIs(t, lk.held(), ErrConcurrency)
	require.NoError(t, lk.release())
}

func TestStore_ConcurrentUpdatesLoseNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	signer := testSigner(t)
	const workers = 12

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate Store instances share nothing but the file, like separate processes.
			s, err := New[counter](Options{Path: path, Signer: signer, LockInitialBackoff: time.Millisecond, LockMaxBackoff: 10 * time.Millisecond})
			if err != nil {
				errs <- err
				return
			}
			errs <- incrementWithRetry(context.Background(), s)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	s := newTestStore(t, path, signer)
	got, err := s.Load(context.Background(), counter{})
	require.NoError(t, err)
	assert.Equal(t, workers, got.Value)
}

func incrementWithRetry(ctx context.Context, s *Store[counter]) error {
	for attempt := 0; attempt < 50; attempt++ {
		_, err := s.Update(ctx, counter{}, func(c counter) (counter, error) {
			c.Value++
			return c, nil
		})
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return errors.New("gave up after repeated lock contention")
}
