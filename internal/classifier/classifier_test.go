package classifier

import "testing"

func TestClassify_MessageTextBeforeStatus(t *testing.T) {
	cfg := DefaultConfig()

	// A 200 status with a rate-limit body still triggers the backoff path —
	// message text wins over status per decision order (rule 3 before rule 9).
	v := Classify(cfg, 200, "Rate limit exceeded, please retry", 0)
	if !v.ShouldFallback {
		t.Fatalf("expected fallback")
	}
	if v.CooldownMs != cfg.BackoffBaseMs {
		t.Fatalf("cooldown = %d, want %d", v.CooldownMs, cfg.BackoffBaseMs)
	}
	if v.NewBackoffLevel != 1 {
		t.Fatalf("newBackoffLevel = %d, want 1", v.NewBackoffLevel)
	}
}

func TestClassify_NoCredentials(t *testing.T) {
	cfg := DefaultConfig()
	v := Classify(cfg, 400, "no credentials available for provider", 3)
	if !v.ShouldFallback || v.CooldownMs != cfg.NotFoundMs {
		t.Fatalf("got %+v", v)
	}
	// backoff level untouched by non-rate-limit rules.
	if v.NewBackoffLevel != 3 {
		t.Fatalf("newBackoffLevel = %d, want unchanged 3", v.NewBackoffLevel)
	}
}

func TestClassify_ExponentialBackoff(t *testing.T) {
	cfg := DefaultConfig()

	level := 0
	wantCooldowns := []int64{cfg.BackoffBaseMs, cfg.BackoffBaseMs * 2, cfg.BackoffBaseMs * 4}
	for i, want := range wantCooldowns {
		v := Classify(cfg, 429, "Too many requests", level)
		if v.CooldownMs != want {
			t.Fatalf("iter %d: cooldown = %d, want %d", i, v.CooldownMs, want)
		}
		if v.NewBackoffLevel != level+1 {
			t.Fatalf("iter %d: level = %d, want %d", i, v.NewBackoffLevel, level+1)
		}
		level = v.NewBackoffLevel
	}
}

func TestClassify_BackoffCapsAtMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffMaxMs = 8_000
	cfg.MaxLevel = 2

	v := Classify(cfg, 429, "quota exceeded", 10) // far beyond maxLevel already
	if v.CooldownMs != cfg.BackoffMaxMs {
		t.Fatalf("cooldown = %d, want capped %d", v.CooldownMs, cfg.BackoffMaxMs)
	}
	if v.NewBackoffLevel != cfg.MaxLevel {
		t.Fatalf("level = %d, want capped %d", v.NewBackoffLevel, cfg.MaxLevel)
	}
}

func TestClassify_StatusTable(t *testing.T) {
	cfg := DefaultConfig()

	cases := []struct {
		status int
		want   int64
	}{
		{401, cfg.UnauthorizedMs},
		{402, cfg.PaymentRequiredMs},
		{403, cfg.PaymentRequiredMs},
		{404, cfg.NotFoundMs},
		{500, cfg.TransientMs},
		{502, cfg.TransientMs},
		{503, cfg.TransientMs},
		{999, cfg.TransientMs}, // conservative default
	}

	for _, c := range cases {
		v := Classify(cfg, c.status, "", 0)
		if !v.ShouldFallback {
			t.Fatalf("status %d: expected fallback", c.status)
		}
		if v.CooldownMs != c.want {
			t.Fatalf("status %d: cooldown = %d, want %d", c.status, v.CooldownMs, c.want)
		}
	}
}

func TestClassify_NeverPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Classify panicked: %v", r)
		}
	}()

	Classify(Config{}, 0, "", -1)
	Classify(Config{}, -500, "\x00\xff binary garbage", 1_000_000)
}
