package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, clock *fakeClock, tokens ...string) *Pool {
	t.Helper()
	cfg := DefaultPoolConfig(tokens)
	cfg.UnauthenticatedFallback = false
	cfg.Now = clock.Now
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return p
}

func TestNewPool_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PoolConfig
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultPoolConfig([]string{"tok-aaaa"}), wantErr: false},
		{name: "negative threshold", cfg: PoolConfig{FailureThreshold: -1}, wantErr: true},
		{name: "negative cooldown", cfg: PoolConfig{Cooldown: -time.Second}, wantErr: true},
		{name: "breaker disabled", cfg: PoolConfig{Tokens: []string{"tok-aaaa"}, FailureThreshold: 0}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPool() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewPool_InitialQuota(t *testing.T) {
	p, err := NewPool(DefaultPoolConfig([]string{"token-one-1111", "", "token-two-2222"}))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (empty tokens are ignored)", p.Len())
	}

	states := p.States()
	if len(states) != 3 {
		t.Fatalf("len(States()) = %d, want 3", len(states))
	}
	for _, s := range states[:2] {
		if s.Remaining != DefaultTokenQuota {
			t.Errorf("token Remaining = %d, want %d", s.Remaining, DefaultTokenQuota)
		}
	}
	if !states[2].Anonymous || states[2].Remaining != DefaultAnonymousQuota {
		t.Errorf("anonymous state = %+v, want anonymous with %d remaining", states[2], DefaultAnonymousQuota)
	}
	if states[0].Suffix != "...1111" {
		t.Errorf("Suffix = %q, want %q", states[0].Suffix, "...1111")
	}
}

func TestNewPool_NoTokensForcesFallback(t *testing.T) {
	p, err := NewPool(PoolConfig{UnauthenticatedFallback: false})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	c := p.Select()
	if c == nil || !c.Anonymous() {
		t.Fatalf("Select() = %v, want anonymous credential", c)
	}
	if c.Token() != "" {
		t.Errorf("anonymous Token() = %q, want empty", c.Token())
	}
}

func TestSelect_Scenario(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa", "token-bbbb", "token-cccc")
	a, b, c := p.tokens[0], p.tokens[1], p.tokens[2]

	// A: exhausted until +60s
	a.state.Remaining = 0
	a.state.ResetAt = clock.Now().Add(60 * time.Second)

	// B: circuit opened by a failure 5s ago, 60s cooldown
	b.state.CircuitOpen = true
	b.state.ConsecutiveFailures = DefaultFailureThreshold
	b.state.LastFailureAt = clock.Now().Add(-5 * time.Second)

	// C: healthy
	c.state.Remaining = 100

	got := p.Select()
	if got != c {
		t.Fatalf("Select() = %v, want credential C", got)
	}
	if !p.State(c).LastUsedAt.Equal(clock.Now()) {
		t.Errorf("LastUsedAt = %v, want %v", p.State(c).LastUsedAt, clock.Now())
	}
	if !p.State(b).CircuitOpen {
		t.Error("credential B circuit closed before cooldown elapsed")
	}
}

func TestSelect_HighestRemainingWins(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa", "token-bbbb")
	p.tokens[0].state.Remaining = 10
	p.tokens[1].state.Remaining = 4000

	if got := p.Select(); got != p.tokens[1] {
		t.Errorf("Select() = %s, want %s", got.Suffix(), p.tokens[1].Suffix())
	}
}

func TestSelect_TieGoesToMostRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa", "token-bbbb")
	p.tokens[0].state.LastUsedAt = clock.Now().Add(-time.Minute)
	p.tokens[1].state.LastUsedAt = clock.Now().Add(-time.Second)

	if got := p.Select(); got != p.tokens[1] {
		t.Errorf("Select() = %s, want most recently used %s", got.Suffix(), p.tokens[1].Suffix())
	}
}

func TestSelect_ExhaustedWithPastResetIsEligible(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa")
	p.tokens[0].state.Remaining = 0
	p.tokens[0].state.ResetAt = clock.Now().Add(-time.Second)

	if got := p.Select(); got != p.tokens[0] {
		t.Errorf("Select() = %v, want the credential whose window has reset", got)
	}
}

func TestSelect_FallbackOnlyWhenNoTokenEligible(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultPoolConfig([]string{"token-aaaa"})
	cfg.Now = clock.Now
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	if got := p.Select(); got == nil || got.Anonymous() {
		t.Fatalf("Select() = %v, want token credential", got)
	}

	p.RecordUnauthorized(p.tokens[0])

	got := p.Select()
	if got == nil || !got.Anonymous() {
		t.Fatalf("Select() = %v, want anonymous fallback", got)
	}

	p.MarkRateLimited(got)
	if got := p.Select(); got != nil {
		t.Errorf("Select() = %v, want nil with everything exhausted", got)
	}
}

func TestCircuitBreaker_OpensAtThresholdAndClosesAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa")
	c := p.tokens[0]

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		p.RecordFailure(c)
	}
	if p.State(c).CircuitOpen {
		t.Fatalf("circuit open after %d failures, want closed", DefaultFailureThreshold-1)
	}
	if got := p.Select(); got != c {
		t.Fatalf("Select() = %v, want credential below threshold", got)
	}

	p.RecordFailure(c)
	if !p.State(c).CircuitOpen {
		t.Fatalf("circuit closed after %d failures, want open", DefaultFailureThreshold)
	}

	clock.Advance(DefaultCooldown)
	if got := p.Select(); got != nil {
		t.Fatalf("Select() = %v at exactly the cooldown, want nil", got)
	}

	clock.Advance(time.Second)
	if got := p.Select(); got != c {
		t.Fatalf("Select() = %v after cooldown, want credential", got)
	}

	s := p.State(c)
	if s.CircuitOpen {
		t.Error("CircuitOpen = true after cooldown, want false")
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d after cooldown, want 0", s.ConsecutiveFailures)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa")
	c := p.tokens[0]

	p.RecordFailure(c)
	p.RecordFailure(c)
	p.RecordSuccess(c)

	if got := p.State(c).ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", got)
	}
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	clock := newFakeClock()
	p, err := NewPool(PoolConfig{Tokens: []string{"token-aaaa"}, FailureThreshold: 0, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	c := p.tokens[0]

	for i := 0; i < 50; i++ {
		p.RecordFailure(c)
	}
	if p.State(c).CircuitOpen {
		t.Error("circuit opened with breaker disabled")
	}
}

func TestCircuitBreaker_AnonymousHasNoBreaker(t *testing.T) {
	p, err := NewPool(DefaultPoolConfig(nil))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	anon := p.Anonymous()
	for i := 0; i < 10; i++ {
		p.RecordFailure(anon)
	}
	s := p.State(anon)
	if s.CircuitOpen || s.ConsecutiveFailures != 0 {
		t.Errorf("anonymous state = %+v, want untouched", s)
	}
}

func TestRecordUnauthorized(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa", "token-bbbb")
	revoked := p.tokens[0]
	revoked.state.Remaining = 4999

	p.RecordUnauthorized(revoked)

	s := p.State(revoked)
	if !s.Revoked || !s.CircuitOpen {
		t.Errorf("state = %+v, want revoked and circuit open", s)
	}
	if s.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", s.Remaining)
	}
	if s.ResetAt.Sub(clock.Now()) < 364*24*time.Hour {
		t.Errorf("ResetAt = %v, want about a year out", s.ResetAt)
	}

	// Never selected again, even long after the cooldown.
	clock.Advance(48 * time.Hour)
	for i := 0; i < 5; i++ {
		if got := p.Select(); got == revoked {
			t.Fatal("Select() returned a revoked credential")
		}
	}

	// Header updates do not resurrect it.
	h := http.Header{}
	h.Set(HeaderRemaining, "5000")
	h.Set(HeaderReset, strconv.FormatInt(clock.Now().Unix(), 10))
	if err := p.UpdateFromHeaders(revoked, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	if p.State(revoked).Remaining != 0 {
		t.Error("revoked credential quota updated from headers")
	}
}

func TestUpdateFromHeaders(t *testing.T) {
	tests := []struct {
		name          string
		headers       map[string]string
		wantRemaining int
		wantLimit     int
		wantResource  string
		wantErr       bool
	}{
		{
			name: "core window",
			headers: map[string]string{
				HeaderLimit:     "5000",
				HeaderRemaining: "4321",
				HeaderReset:     "1709300000",
			},
			wantRemaining: 4321,
			wantLimit:     5000,
			wantResource:  ResourceCore,
		},
		{
			name: "search window",
			headers: map[string]string{
				HeaderLimit:     "30",
				HeaderRemaining: "29",
				HeaderReset:     "1709300000",
				HeaderResource:  "search",
			},
			wantRemaining: 29,
			wantLimit:     30,
			wantResource:  ResourceSearch,
		},
		{
			name: "negative remaining clamps to zero",
			headers: map[string]string{
				HeaderRemaining: "-3",
				HeaderReset:     "1709300000",
			},
			wantRemaining: 0,
			wantLimit:     DefaultTokenQuota,
			wantResource:  ResourceCore,
		},
		{
			name:          "missing headers leave state untouched",
			headers:       map[string]string{},
			wantRemaining: DefaultTokenQuota,
			wantLimit:     DefaultTokenQuota,
		},
		{
			name: "reset without remaining is ignored",
			headers: map[string]string{
				HeaderReset: "1709300000",
			},
			wantRemaining: DefaultTokenQuota,
			wantLimit:     DefaultTokenQuota,
		},
		{
			name: "invalid remaining",
			headers: map[string]string{
				HeaderRemaining: "lots",
				HeaderReset:     "1709300000",
			},
			wantRemaining: DefaultTokenQuota,
			wantLimit:     DefaultTokenQuota,
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			p := newTestPool(t, clock, "token-aaaa")
			c := p.tokens[0]

			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			err := p.UpdateFromHeaders(c, h)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UpdateFromHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}

			s := p.State(c)
			if s.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", s.Remaining, tt.wantRemaining)
			}
			if s.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", s.Limit, tt.wantLimit)
			}
			if tt.wantResource != "" {
				if _, ok := s.Windows[tt.wantResource]; !ok {
					t.Errorf("Windows = %v, want entry for %q", s.Windows, tt.wantResource)
				}
				if !s.ResetAt.Equal(time.Unix(1709300000, 0)) {
					t.Errorf("ResetAt = %v, want %v", s.ResetAt, time.Unix(1709300000, 0))
				}
			}
		})
	}
}

func TestMarkRateLimited(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa")
	c := p.tokens[0]

	p.MarkRateLimited(c)
	s := p.State(c)
	if s.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", s.Remaining)
	}
	if want := clock.Now().Add(DefaultCooldown); !s.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", s.ResetAt, want)
	}

	// A known future reset is kept.
	future := clock.Now().Add(10 * time.Minute)
	c.state.ResetAt = future
	p.MarkRateLimited(c)
	if got := p.State(c).ResetAt; !got.Equal(future) {
		t.Errorf("ResetAt = %v, want %v", got, future)
	}
}

func TestNextAvailable(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa", "token-bbbb", "token-cccc")

	if _, ok := p.NextAvailable(); ok {
		t.Fatal("NextAvailable() ok = true with healthy credentials")
	}

	now := clock.Now()
	p.tokens[0].state.Remaining = 0
	p.tokens[0].state.ResetAt = now.Add(90 * time.Second)
	p.tokens[1].state.CircuitOpen = true
	p.tokens[1].state.LastFailureAt = now.Add(-30 * time.Second)
	p.RecordUnauthorized(p.tokens[2])

	at, ok := p.NextAvailable()
	if !ok {
		t.Fatal("NextAvailable() ok = false, want a future instant")
	}
	if want := now.Add(30 * time.Second); !at.Equal(want) {
		t.Errorf("NextAvailable() = %v, want circuit cooldown expiry %v", at, want)
	}

	// All revoked: nothing will ever become available.
	p.RecordUnauthorized(p.tokens[0])
	p.RecordUnauthorized(p.tokens[1])
	if _, ok := p.NextAvailable(); ok {
		t.Error("NextAvailable() ok = true with every credential revoked")
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, "token-aaaa", "token-bbbb")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c := p.Select()
				if c == nil {
					continue
				}
				h := http.Header{}
				h.Set(HeaderRemaining, strconv.Itoa(10-i-j))
				h.Set(HeaderReset, strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10))
				_ = p.UpdateFromHeaders(c, h)
				switch j % 3 {
				case 0:
					p.RecordFailure(c)
				case 1:
					p.MarkRateLimited(c)
				default:
					p.RecordSuccess(c)
				}
			}
		}(i)
	}
	wg.Wait()

	for _, s := range p.States() {
		if s.Remaining < 0 {
			t.Errorf("credential %s Remaining = %d, want >= 0", s.Suffix, s.Remaining)
		}
	}
}
