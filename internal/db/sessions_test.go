package db_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ConfabulousDev/chunkload/internal/db"
	"github.com/ConfabulousDev/chunkload/internal/testutil"
	"github.com/ConfabulousDev/chunkload/internal/upload"
)

func TestSessionStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	database := testutil.StartPostgres(t)
	store := database.Sessions()
	ctx := context.Background()

	t.Run("open is insert-if-absent", func(t *testing.T) {
		s, err := store.Open(ctx, "open-1", 3)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if s.TotalChunks != 3 || s.Status != upload.StatusOpen {
			t.Errorf("Open = %+v, want total 3 status open", s)
		}

		s, err = store.Open(ctx, "open-1", 9)
		if err != nil {
			t.Fatalf("second Open failed: %v", err)
		}
		if s.TotalChunks != 3 {
			t.Errorf("TotalChunks = %d after second Open, want first writer's 3", s.TotalChunks)
		}
	})

	t.Run("concurrent open and claim", func(t *testing.T) {
		var wg sync.WaitGroup
		var wins atomic.Int32
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Open(ctx, "race-1", 2); err != nil {
					errs <- err
					return
				}
				_, ok, err := store.Claim(ctx, "race-1")
				if err != nil {
					errs <- err
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent open/claim failed: %v", err)
		}
		if wins.Load() != 1 {
			t.Errorf("claim won %d times, want exactly 1", wins.Load())
		}
	})

	t.Run("complete records result", func(t *testing.T) {
		if _, err := store.Open(ctx, "done-1", 2); err != nil {
			t.Fatal(err)
		}
		if err := store.Complete(ctx, "done-1", "no-claim", upload.Result{}); !errors.Is(err, upload.ErrClaimLost) {
			t.Errorf("Complete without claim = %v, want ErrClaimLost", err)
		}
		token, ok, err := store.Claim(ctx, "done-1")
		if err != nil || !ok || token == "" {
			t.Fatalf("Claim = %q, %v, %v", token, ok, err)
		}
		res := upload.Result{URL: "http://x/u/a.bin", Size: 42, Name: "a.bin", OriginalName: "orig.bin", Chunks: 2}
		if err := store.Complete(ctx, "done-1", token, res); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}

		s, err := store.Get(ctx, "done-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if s.Status != upload.StatusDone || s.Result == nil || *s.Result != res {
			t.Errorf("Get = %+v (result %+v), want done with %+v", s, s.Result, res)
		}
		if s.ClaimToken != "" {
			t.Errorf("ClaimToken = %q after Complete, want cleared", s.ClaimToken)
		}

		if _, ok, _ := store.Claim(ctx, "done-1"); ok {
			t.Error("done session must not be claimable")
		}
	})

	t.Run("release reopens", func(t *testing.T) {
		if _, err := store.Open(ctx, "rel-1", 1); err != nil {
			t.Fatal(err)
		}
		token, ok, _ := store.Claim(ctx, "rel-1")
		if !ok {
			t.Fatal("claim failed")
		}
		if err := store.Release(ctx, "rel-1", "someone-else"); err != nil {
			t.Fatalf("Release with foreign token failed: %v", err)
		}
		if s, _ := store.Get(ctx, "rel-1"); s == nil || s.Status != upload.StatusAssembling {
			t.Fatalf("foreign token released the claim: %+v", s)
		}
		if err := store.Release(ctx, "rel-1", token); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if _, ok, _ := store.Claim(ctx, "rel-1"); !ok {
			t.Error("released session should be claimable again")
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		if !errors.Is(err, upload.ErrSessionNotFound) {
			t.Errorf("Get unknown = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("stale and purge", func(t *testing.T) {
		tokens := make(map[string]string)
		for _, id := range []string{"stale-1", "purge-1"} {
			if _, err := store.Open(ctx, id, 1); err != nil {
				t.Fatal(err)
			}
			token, ok, _ := store.Claim(ctx, id)
			if !ok {
				t.Fatal("claim failed")
			}
			tokens[id] = token
		}
		if err := store.Complete(ctx, "purge-1", tokens["purge-1"], upload.Result{Name: "p.bin"}); err != nil {
			t.Fatal(err)
		}
		backdate(t, database, "stale-1", "purge-1")

		n, err := store.ReleaseStale(ctx, time.Hour)
		if err != nil || n != 1 {
			t.Errorf("ReleaseStale = %d, %v; want 1", n, err)
		}
		n, err = store.PurgeDone(ctx, time.Hour)
		if err != nil || n != 1 {
			t.Errorf("PurgeDone = %d, %v; want 1", n, err)
		}
		if _, err := store.Get(ctx, "purge-1"); !errors.Is(err, upload.ErrSessionNotFound) {
			t.Errorf("purged session still present: %v", err)
		}
		if s, _ := store.Get(ctx, "stale-1"); s == nil || s.Status != upload.StatusOpen {
			t.Errorf("stale session not reopened: %+v", s)
		}
	})

	t.Run("reopened claim cannot finish", func(t *testing.T) {
		if _, err := store.Open(ctx, "lease-1", 1); err != nil {
			t.Fatal(err)
		}
		first, ok, _ := store.Claim(ctx, "lease-1")
		if !ok {
			t.Fatal("claim failed")
		}
		if err := store.Renew(ctx, "lease-1", first); err != nil {
			t.Fatalf("Renew failed: %v", err)
		}
		backdate(t, database, "lease-1")
		if _, err := store.ReleaseStale(ctx, time.Hour); err != nil {
			t.Fatal(err)
		}

		second, ok, _ := store.Claim(ctx, "lease-1")
		if !ok {
			t.Fatal("reclaim after stale release failed")
		}
		if err := store.Renew(ctx, "lease-1", first); !errors.Is(err, upload.ErrClaimLost) {
			t.Errorf("Renew with old token = %v, want ErrClaimLost", err)
		}
		if err := store.Complete(ctx, "lease-1", first, upload.Result{Name: "old.bin"}); !errors.Is(err, upload.ErrClaimLost) {
			t.Errorf("Complete with old token = %v, want ErrClaimLost", err)
		}
		if err := store.Complete(ctx, "lease-1", second, upload.Result{Name: "new.bin"}); err != nil {
			t.Fatalf("Complete with current token failed: %v", err)
		}
		if s, _ := store.Get(ctx, "lease-1"); s == nil || s.Result == nil || s.Result.Name != "new.bin" {
			t.Errorf("Get = %+v, want result from the current claim", s)
		}
	})

	t.Run("idle open sessions are purged", func(t *testing.T) {
		for _, id := range []string{"idle-1", "busy-1"} {
			if _, err := store.Open(ctx, id, 3); err != nil {
				t.Fatal(err)
			}
		}
		backdate(t, database, "idle-1", "busy-1")
		// A new chunk for busy-1 resets its idle clock.
		if _, err := store.Open(ctx, "busy-1", 3); err != nil {
			t.Fatal(err)
		}

		n, err := store.PurgeOpen(ctx, time.Hour)
		if err != nil || n != 1 {
			t.Errorf("PurgeOpen = %d, %v; want 1", n, err)
		}
		if _, err := store.Get(ctx, "idle-1"); !errors.Is(err, upload.ErrSessionNotFound) {
			t.Errorf("idle session still present: %v", err)
		}
		if _, err := store.Get(ctx, "busy-1"); err != nil {
			t.Errorf("active session purged: %v", err)
		}
	})
}

// backdate moves updated_at two hours into the past.
func backdate(t *testing.T, database *db.DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := database.Exec(context.Background(),
			`UPDATE upload_sessions SET updated_at = NOW() - INTERVAL '2 hours' WHERE id = $1`, id); err != nil {
			t.Fatal(err)
		}
	}
}
