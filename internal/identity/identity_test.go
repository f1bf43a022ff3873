package identity_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/automagik/omni/internal/db"
	"github.com/automagik/omni/internal/identity"
)

func openTestStore(t *testing.T) *identity.Store {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.Migrate(); err != nil {
		t.Fatal(err)
	}
	return identity.NewStore(nil, conn)
}

func TestResolve_CreatesOnFirstContact(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	user, err := store.Resolve(ctx, "whatsapp", "5511990000101", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID == "" {
		t.Fatal("user ID missing")
	}
	if user.DisplayName != "Alice" {
		t.Fatalf("DisplayName = %q", user.DisplayName)
	}

	again, err := store.Resolve(ctx, "whatsapp", "5511990000101", "ignored hint")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != user.ID {
		t.Fatalf("second resolve returned %s, want %s", again.ID, user.ID)
	}
	// The hint only applies on creation.
	if again.DisplayName != "Alice" {
		t.Fatalf("DisplayName = %q", again.DisplayName)
	}
}

func TestResolve_DistinctPerExternalID(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	a, err := store.Resolve(ctx, "whatsapp", "5511990000101", "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.Resolve(ctx, "whatsapp", "5511990000202", "")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("distinct external IDs resolved to the same user")
	}
}

func TestResolve_RequiresProviderAndID(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	if _, err := store.Resolve(context.Background(), "", "x", ""); err == nil {
		t.Fatal("empty provider should be rejected")
	}
	if _, err := store.Resolve(context.Background(), "whatsapp", "  ", ""); err == nil {
		t.Fatal("empty external id should be rejected")
	}
}

func TestLink_CrossChannelIdentity(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	user, err := store.Resolve(ctx, "whatsapp", "5511990000101", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	link, err := store.Link(ctx, user.ID, "discord", "8675309", map[string]any{"guild": "dev"})
	if err != nil {
		t.Fatal(err)
	}
	if link.UserID != user.ID {
		t.Fatalf("link user = %s, want %s", link.UserID, user.ID)
	}

	// A Discord contact now resolves to the pre-linked user.
	resolved, err := store.Resolve(ctx, "discord", "8675309", "alice#0")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ID != user.ID {
		t.Fatalf("resolved = %s, want %s", resolved.ID, user.ID)
	}
}

func TestLink_UnknownUser(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	_, err := store.Link(context.Background(), "no-such-user", "discord", "1", nil)
	if !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	_, err := store.GetUser(context.Background(), "missing")
	if !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}
