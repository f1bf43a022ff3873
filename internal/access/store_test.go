package access_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/automagik/omni/internal/access"
	"github.com/automagik/omni/internal/db"
)

func openTestStore(t *testing.T) *access.Store {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.Migrate(); err != nil {
		t.Fatal(err)
	}
	return access.NewStore(conn)
}

func TestStoreCreateAndList(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	global, err := store.Create(ctx, access.CreateRuleRequest{PhoneNumber: "55*", RuleType: "allow"})
	if err != nil {
		t.Fatal(err)
	}
	if global.InstanceName != "" {
		t.Fatalf("InstanceName = %q, want global", global.InstanceName)
	}
	scoped, err := store.Create(ctx, access.CreateRuleRequest{
		InstanceName: "wa-main", PhoneNumber: "5511990000101", RuleType: "block",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(ctx, access.CreateRuleRequest{
		InstanceName: "wa-other", PhoneNumber: "*", RuleType: "block",
	}); err != nil {
		t.Fatal(err)
	}

	// Instance scope sees its own rules plus globals, never another
	// instance's rules.
	rules, err := store.List(ctx, "wa-main")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}
	for _, rule := range rules {
		if rule.InstanceName == "wa-other" {
			t.Fatalf("foreign rule leaked into scope: %+v", rule)
		}
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all rules = %d, want 3", len(all))
	}
	_ = scoped
}

func TestStoreCreate_RejectsBadInput(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, access.CreateRuleRequest{PhoneNumber: "55*", RuleType: "deny"}); err == nil {
		t.Fatal("bad rule type should be rejected")
	}
	if _, err := store.Create(ctx, access.CreateRuleRequest{PhoneNumber: "  ", RuleType: "allow"}); err == nil {
		t.Fatal("blank pattern should be rejected")
	}
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	rule, err := store.Create(ctx, access.CreateRuleRequest{PhoneNumber: "55*", RuleType: "allow"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, rule.ID); !errors.Is(err, access.ErrRuleNotFound) {
		t.Fatalf("err = %v, want ErrRuleNotFound", err)
	}
}

func TestStoreCheck(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, access.CreateRuleRequest{
		InstanceName: "wa-main", PhoneNumber: "5511*", RuleType: "allow",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(ctx, access.CreateRuleRequest{
		InstanceName: "wa-main", PhoneNumber: "5511990000666", RuleType: "block",
	}); err != nil {
		t.Fatal(err)
	}

	decision, err := store.Check(ctx, "wa-main", "5511990000101@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed", decision)
	}

	decision, err = store.Check(ctx, "wa-main", "+5511990000666")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed {
		t.Fatalf("decision = %+v, want blocked (exact beats wildcard)", decision)
	}
}
