package ratelimit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/models"
)

// fakeStore is an in-memory Store used to drive the validator without a
// real Redis instance.
type fakeStore struct {
	cells map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{cells: map[string][]byte{}}
}

func (f *fakeStore) RateLimitCellGet(_ context.Context, key string) ([]byte, error) {
	v, ok := f.cells[key]
	if !ok {
		return nil, redis.Nil
	}
	return v, nil
}

func (f *fakeStore) RateLimitCellSet(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.cells[key] = value
	return nil
}

func cfg() models.RateLimitConfig {
	return models.RateLimitConfig{
		Enabled:         true,
		Limit:           2,
		WindowSeconds:   60,
		IdentifierTypes: []models.IdentifierType{models.IdentifierTool},
	}
}

func TestValidate_NonToolsCallPassesThrough(t *testing.T) {
	v := New(newFakeStore(), nil)
	res := v.Validate(context.Background(), "ping", "", cfg(), &models.ValidationContext{})
	if !res.Allowed {
		t.Error("non-tools/call method should always be allowed")
	}
}

func TestValidate_Disabled(t *testing.T) {
	v := New(newFakeStore(), nil)
	c := cfg()
	c.Enabled = false
	res := v.Validate(context.Background(), "tools/call", "read_file", c, &models.ValidationContext{})
	if !res.Allowed {
		t.Error("disabled rate limit should always allow")
	}
}

func TestValidate_HitsAndBlocks(t *testing.T) {
	v := New(newFakeStore(), nil)
	c := cfg()
	ctx := context.Background()
	vctx := &models.ValidationContext{}

	for i := 0; i < 2; i++ {
		res := v.Validate(ctx, "tools/call", "read_file", c, vctx)
		if !res.Allowed {
			t.Fatalf("call %d: want allowed, got blocked: %s", i, res.Reason)
		}
	}

	res := v.Validate(ctx, "tools/call", "read_file", c, vctx)
	if res.Allowed {
		t.Fatal("third call within window should be blocked")
	}
	if res.Metadata["policy_id"] != "RateLimitPolicy" {
		t.Errorf("metadata.policy_id = %v, want RateLimitPolicy", res.Metadata["policy_id"])
	}
	resetIn, _ := res.Metadata["reset_in_seconds"].(int64)
	if resetIn < 1 || resetIn > 60 {
		t.Errorf("reset_in_seconds = %d, want in [1,60]", resetIn)
	}
}

func TestValidate_ResetsAfterWindow(t *testing.T) {
	store := newFakeStore()
	v := New(store, nil)
	c := cfg()
	c.Limit = 1
	c.WindowSeconds = 1
	ctx := context.Background()
	vctx := &models.ValidationContext{}

	base := time.Now()
	v.now = func() time.Time { return base }
	if res := v.Validate(ctx, "tools/call", "read_file", c, vctx); !res.Allowed {
		t.Fatal("first call should be allowed")
	}
	if res := v.Validate(ctx, "tools/call", "read_file", c, vctx); res.Allowed {
		t.Fatal("second call within window should be blocked")
	}

	v.now = func() time.Time { return base.Add(2 * time.Second) }
	if res := v.Validate(ctx, "tools/call", "read_file", c, vctx); !res.Allowed {
		t.Error("call after window elapsed should be allowed")
	}
}

func TestBuildIdentifier(t *testing.T) {
	c := models.RateLimitConfig{IdentifierTypes: []models.IdentifierType{models.IdentifierIP, models.IdentifierTool}}
	vctx := &models.ValidationContext{ClientIP: "10.0.0.1"}
	got := buildIdentifier(c, "read_file", vctx)
	if got != "10.0.0.1:read_file" {
		t.Errorf("buildIdentifier() = %q", got)
	}
}

func TestBuildIdentifier_UserFallsBackToIP(t *testing.T) {
	c := models.RateLimitConfig{IdentifierTypes: []models.IdentifierType{models.IdentifierUser}}
	vctx := &models.ValidationContext{ClientIP: "10.0.0.1", RequestHeaders: map[string]string{}}
	got := buildIdentifier(c, "read_file", vctx)
	if got != "10.0.0.1" {
		t.Errorf("buildIdentifier() = %q, want ClientIP fallback", got)
	}
}

func TestRateLimitCell_JSONShape(t *testing.T) {
	cell := models.RateLimitCell{Count: 1, ResetAt: 1000}
	data, err := json.Marshal(cell)
	if err != nil {
		t.Fatal(err)
	}
	var out models.RateLimitCell
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != cell {
		t.Errorf("round trip = %+v, want %+v", out, cell)
	}
}
