package engine

import (
	"context"
	"errors"
	"testing"
)

func TestCallbackURL(t *testing.T) {
	got := CallbackURL("https://tc.example/", "c1:3", "c1", "a+b/c")
	want := "https://tc.example/callback/c1:3/c1?code=a%2Bb%2Fc"
	if got != want {
		t.Errorf("CallbackURL() = %q, want %q", got, want)
	}
}

func TestAcquireCallbackURL(t *testing.T) {
	ctx := context.Background()
	cmd := &Command{CommandID: "c1"}

	t.Run("creates key once", func(t *testing.T) {
		keys := newMemoryKeys()
		mgr := NewCallbackManager(keys, "https://tc.example")

		first, err := mgr.AcquireCallbackURL(ctx, "c1:2", cmd)
		if err != nil {
			t.Fatalf("AcquireCallbackURL failed: %v", err)
		}
		second, err := mgr.AcquireCallbackURL(ctx, "c1:2", cmd)
		if err != nil {
			t.Fatalf("AcquireCallbackURL failed: %v", err)
		}

		if first != second {
			t.Errorf("URLs differ: %q vs %q", first, second)
		}
		if keys.created != 1 {
			t.Errorf("created %d keys, want 1", keys.created)
		}
		if want := "https://tc.example/callback/c1:2/c1?code=key-1"; first != want {
			t.Errorf("URL = %q, want %q", first, want)
		}
	})

	t.Run("reuses existing key", func(t *testing.T) {
		keys := newMemoryKeys()
		keys.keys["c1:2"] = "existing"
		mgr := NewCallbackManager(keys, "https://tc.example")

		got, err := mgr.AcquireCallbackURL(ctx, "c1:2", cmd)
		if err != nil {
			t.Fatalf("AcquireCallbackURL failed: %v", err)
		}
		if want := "https://tc.example/callback/c1:2/c1?code=existing"; got != want {
			t.Errorf("URL = %q, want %q", got, want)
		}
		if keys.created != 0 {
			t.Errorf("created %d keys, want 0", keys.created)
		}
	})

	t.Run("creation failure", func(t *testing.T) {
		keys := newMemoryKeys()
		keys.createErr = errors.New("admin api down")
		mgr := NewCallbackManager(keys, "https://tc.example")

		_, err := mgr.AcquireCallbackURL(ctx, "c1:2", cmd)
		if !IsEngineCommunication(err) {
			t.Errorf("error = %v, want engine communication error", err)
		}
	})

	t.Run("missing ids", func(t *testing.T) {
		mgr := NewCallbackManager(newMemoryKeys(), "https://tc.example")
		if _, err := mgr.AcquireCallbackURL(ctx, "", cmd); !IsValidation(err) {
			t.Errorf("error = %v, want validation error", err)
		}
		if _, err := mgr.AcquireCallbackURL(ctx, "c1:2", &Command{}); !IsValidation(err) {
			t.Errorf("error = %v, want validation error", err)
		}
	})
}

func TestInvalidateCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes key", func(t *testing.T) {
		keys := newMemoryKeys()
		keys.keys["c1:2"] = "k"
		mgr := NewCallbackManager(keys, "https://tc.example")

		if err := mgr.InvalidateCallback(ctx, "c1:2"); err != nil {
			t.Fatalf("InvalidateCallback failed: %v", err)
		}
		if _, ok := keys.keys["c1:2"]; ok {
			t.Error("key still present")
		}
	})

	t.Run("failed delete of absent key is ignored", func(t *testing.T) {
		keys := newMemoryKeys()
		keys.deleteErr = errors.New("conflict")
		mgr := NewCallbackManager(keys, "https://tc.example")

		if err := mgr.InvalidateCallback(ctx, "c1:2"); err != nil {
			t.Errorf("InvalidateCallback() = %v, want nil", err)
		}
	})

	t.Run("failed delete of present key is reported", func(t *testing.T) {
		keys := newMemoryKeys()
		keys.keys["c1:2"] = "k"
		keys.deleteErr = errors.New("admin api down")
		mgr := NewCallbackManager(keys, "https://tc.example")

		err := mgr.InvalidateCallback(ctx, "c1:2")
		if !IsEngineCommunication(err) {
			t.Errorf("error = %v, want engine communication error", err)
		}
	})
}
