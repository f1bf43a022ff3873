package channel_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/automagik/omni/internal/channel"
	"github.com/automagik/omni/internal/db"
)

func openTestStore(t *testing.T) *channel.Store {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.Migrate(); err != nil {
		t.Fatal(err)
	}
	return channel.NewStore(conn)
}

func createRequest(name string) channel.CreateInstanceRequest {
	return channel.CreateInstanceRequest{
		Name:        name,
		ChannelType: "whatsapp",
		AgentAPIURL: "http://agent:8000",
		Credentials: map[string]any{"evolution_url": "http://gateway:8080"},
	}
}

func TestStoreCreate_Defaults(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	cfg, err := store.Create(ctx, createRequest("wa-main"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsActive {
		t.Fatal("new instance should be active")
	}
	if !cfg.EnableAutoSplit {
		t.Fatal("auto split should default on")
	}
	if cfg.AgentTimeoutMs != 60000 {
		t.Fatalf("AgentTimeoutMs = %d, want 60000", cfg.AgentTimeoutMs)
	}
	if cfg.Credentials["evolution_url"] != "http://gateway:8080" {
		t.Fatalf("credentials = %v", cfg.Credentials)
	}
}

func TestStoreCreate_DuplicateName(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, createRequest("wa-main")); err != nil {
		t.Fatal(err)
	}
	_, err := store.Create(ctx, createRequest("wa-main"))
	if !errors.Is(err, channel.ErrInstanceExists) {
		t.Fatalf("err = %v, want ErrInstanceExists", err)
	}
}

func TestStoreCreate_SingleDefault(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	first := createRequest("wa-one")
	first.IsDefault = true
	if _, err := store.Create(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := createRequest("wa-two")
	second.IsDefault = true
	if _, err := store.Create(ctx, second); err != nil {
		t.Fatal(err)
	}

	def, err := store.GetDefault(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if def.Name != "wa-two" {
		t.Fatalf("default = %s, want wa-two", def.Name)
	}
	one, err := store.Get(ctx, "wa-one")
	if err != nil {
		t.Fatal(err)
	}
	if one.IsDefault {
		t.Fatal("wa-one should have lost default flag")
	}
}

func TestStoreUpdate_PartialFields(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, createRequest("wa-main"))
	if err != nil {
		t.Fatal(err)
	}

	timeout := 30000
	active := false
	updated, err := store.Update(ctx, "wa-main", channel.UpdateInstanceRequest{
		AgentTimeoutMs: &timeout,
		IsActive:       &active,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.AgentTimeoutMs != 30000 {
		t.Fatalf("AgentTimeoutMs = %d", updated.AgentTimeoutMs)
	}
	if updated.IsActive {
		t.Fatal("IsActive should be false")
	}
	// Untouched fields survive.
	if updated.AgentAPIURL != created.AgentAPIURL {
		t.Fatalf("AgentAPIURL changed to %q", updated.AgentAPIURL)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatal("UpdatedAt should advance on update")
	}
}

func TestStoreUpdate_NotFound(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	_, err := store.Update(context.Background(), "ghost", channel.UpdateInstanceRequest{})
	if !errors.Is(err, channel.ErrInstanceNotFound) {
		t.Fatalf("err = %v, want ErrInstanceNotFound", err)
	}
}

func TestStoreDelete_RefusesLastInstance(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, createRequest("wa-only")); err != nil {
		t.Fatal(err)
	}
	err := store.Delete(ctx, "wa-only")
	if !errors.Is(err, channel.ErrLastInstance) {
		t.Fatalf("err = %v, want ErrLastInstance", err)
	}

	if _, err := store.Create(ctx, createRequest("wa-second")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "wa-only"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "wa-only"); !errors.Is(err, channel.ErrInstanceNotFound) {
		t.Fatalf("err = %v, want ErrInstanceNotFound", err)
	}
}

func TestStoreListByType(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, createRequest("wa-main")); err != nil {
		t.Fatal(err)
	}
	discordReq := createRequest("disc-main")
	discordReq.ChannelType = "discord"
	if _, err := store.Create(ctx, discordReq); err != nil {
		t.Fatal(err)
	}

	whatsapps, err := store.ListByType(ctx, channel.TypeWhatsApp)
	if err != nil {
		t.Fatal(err)
	}
	if len(whatsapps) != 1 || whatsapps[0].Name != "wa-main" {
		t.Fatalf("whatsapps = %+v", whatsapps)
	}
}
