package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for credential tracking.
var (
	credentialRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ghscrape_credential_remaining",
		Help: "Calls remaining in the current rate limit window by credential",
	}, []string{"credential"})

	credentialCircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ghscrape_credential_circuit_open",
		Help: "1 if the credential's circuit breaker is open",
	}, []string{"credential"})

	circuitTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghscrape_circuit_transitions_total",
		Help: "Circuit breaker transitions by credential and new state",
	}, []string{"credential", "state"})

	credentialRevocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ghscrape_credential_revocations_total",
		Help: "Total number of credentials disabled after a 401 response",
	})
)

// AnonymousSuffix identifies the unauthenticated credential in logs and metrics.
const AnonymousSuffix = "anonymous"

// PoolConfig holds the credential pool configuration.
type PoolConfig struct {
	// Tokens are the API tokens to rotate between.
	Tokens []string

	// UnauthenticatedFallback adds the anonymous identity, used only when no
	// token is eligible. Forced on when Tokens is empty.
	UnauthenticatedFallback bool

	// FailureThreshold opens a credential's circuit after this many consecutive
	// failures. 0 disables the breaker.
	FailureThreshold int

	// Cooldown is how long an open circuit stays open (0 = DefaultCooldown).
	Cooldown time.Duration

	// Now overrides the clock (for testing).
	Now func() time.Time
}

// DefaultPoolConfig returns the default pool configuration for tokens.
func DefaultPoolConfig(tokens []string) PoolConfig {
	return PoolConfig{
		Tokens:                  tokens,
		UnauthenticatedFallback: true,
		FailureThreshold:        DefaultFailureThreshold,
		Cooldown:                DefaultCooldown,
	}
}

// Pool holds every credential of a run and selects the best eligible one.
// Selection and every state mutation are serialized by one mutex.
type Pool struct {
	mu        sync.Mutex
	tokens    []*Credential
	anonymous *Credential

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewPool creates a credential pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.FailureThreshold < 0 {
		return nil, fmt.Errorf("failure_threshold must be >= 0 (got %d)", cfg.FailureThreshold)
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("cooldown must be >= 0 (got %v)", cfg.Cooldown)
	}

	p := &Pool{
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		logger:    log.With().Str("component", "credential-pool").Logger(),
	}
	if p.cooldown == 0 {
		p.cooldown = DefaultCooldown
	}
	if p.now == nil {
		p.now = time.Now
	}

	for _, token := range cfg.Tokens {
		if token == "" {
			continue
		}
		c := &Credential{
			token: token,
			state: CredentialState{
				Suffix:    logging.Redact(token),
				Remaining: DefaultTokenQuota,
				Limit:     DefaultTokenQuota,
				Windows:   Snapshot{},
			},
		}
		p.tokens = append(p.tokens, c)
		credentialRemaining.WithLabelValues(c.state.Suffix).Set(DefaultTokenQuota)
		credentialCircuitOpen.WithLabelValues(c.state.Suffix).Set(0)
	}

	if cfg.UnauthenticatedFallback || len(p.tokens) == 0 {
		p.anonymous = &Credential{
			state: CredentialState{
				Suffix:    AnonymousSuffix,
				Anonymous: true,
				Remaining: DefaultAnonymousQuota,
				Limit:     DefaultAnonymousQuota,
				Windows:   Snapshot{},
			},
		}
		credentialRemaining.WithLabelValues(AnonymousSuffix).Set(DefaultAnonymousQuota)
	}

	p.logger.Info().
		Int("tokens", len(p.tokens)).
		Bool("unauthenticated_fallback", p.anonymous != nil).
		Int("failure_threshold", p.threshold).
		Dur("cooldown", p.cooldown).
		Msg("Credential pool initialized")

	return p, nil
}

// Len returns the number of token credentials (the anonymous identity excluded).
func (p *Pool) Len() int {
	return len(p.tokens)
}

// Credentials returns the token credentials in configuration order.
func (p *Pool) Credentials() []*Credential {
	out := make([]*Credential, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// Anonymous returns the unauthenticated credential, or nil when fallback is off.
func (p *Pool) Anonymous() *Credential {
	return p.anonymous
}

// Select returns the best eligible credential, or nil if none is usable now.
// Among eligible tokens the highest remaining quota wins; ties go to the most
// recently used credential. The anonymous identity is only returned when no
// token is eligible.
func (p *Pool) Select() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	var best *Credential
	for _, c := range p.tokens {
		if !p.eligibleLocked(c, now) {
			continue
		}
		if best == nil ||
			c.state.Remaining > best.state.Remaining ||
			(c.state.Remaining == best.state.Remaining && c.state.LastUsedAt.After(best.state.LastUsedAt)) {
			best = c
		}
	}

	if best == nil && p.anonymous != nil && !p.anonymous.state.IsExhausted(now) {
		best = p.anonymous
	}

	if best != nil {
		best.state.LastUsedAt = now
	}
	return best
}

// eligibleLocked reports whether c may be selected at now, closing its circuit
// if the cooldown has elapsed. Caller must hold p.mu.
func (p *Pool) eligibleLocked(c *Credential, now time.Time) bool {
	s := &c.state
	if s.Revoked {
		return false
	}
	if s.CircuitOpen {
		if !s.CooldownElapsed(now, p.cooldown) {
			return false
		}
		s.CircuitOpen = false
		s.ConsecutiveFailures = 0
		credentialCircuitOpen.WithLabelValues(s.Suffix).Set(0)
		circuitTransitionsTotal.WithLabelValues(s.Suffix, "closed").Inc()
		p.logger.Warn().
			Str("credential", s.Suffix).
			Dur("cooldown", p.cooldown).
			Msg("Circuit closed after cooldown")
	}
	return !s.IsExhausted(now)
}

// RecordSuccess resets the consecutive failure count of c.
func (p *Pool) RecordSuccess(c *Credential) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c.state.ConsecutiveFailures = 0
}

// RecordFailure counts a transient failure (5xx, network) against c and opens
// its circuit at the threshold. The anonymous identity has no breaker.
func (p *Pool) RecordFailure(c *Credential) {
	if c == nil || c.state.Anonymous {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &c.state
	s.ConsecutiveFailures++
	s.LastFailureAt = p.now()

	if p.threshold > 0 && s.ConsecutiveFailures >= p.threshold && !s.CircuitOpen {
		s.CircuitOpen = true
		credentialCircuitOpen.WithLabelValues(s.Suffix).Set(1)
		circuitTransitionsTotal.WithLabelValues(s.Suffix, "open").Inc()
		p.logger.Warn().
			Str("credential", s.Suffix).
			Int("consecutive_failures", s.ConsecutiveFailures).
			Dur("cooldown", p.cooldown).
			Msg("Circuit opened")
	}
}

// RecordUnauthorized disables c for the rest of the run after a 401.
// The anonymous identity cannot be revoked and is treated as rate limited.
func (p *Pool) RecordUnauthorized(c *Credential) {
	if c == nil {
		return
	}
	if c.state.Anonymous {
		p.MarkRateLimited(c)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := &c.state
	s.CircuitOpen = true
	s.Revoked = true
	s.Remaining = 0
	s.LastFailureAt = now
	s.ResetAt = now.Add(revocationHorizon)

	credentialRemaining.WithLabelValues(s.Suffix).Set(0)
	credentialCircuitOpen.WithLabelValues(s.Suffix).Set(1)
	credentialRevocationsTotal.Inc()
	p.logger.Warn().
		Str("credential", s.Suffix).
		Msg("Credential unauthorized, disabled for this run")
}

// UpdateFromHeaders overwrites the quota of c from X-RateLimit-* headers.
// Responses without rate limit headers leave the state untouched.
func (p *Pool) UpdateFromHeaders(c *Credential, h http.Header) error {
	if c == nil {
		return nil
	}
	resource, w, ok, err := ParseHeaders(h)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := &c.state
	if s.Revoked {
		return nil
	}
	s.Remaining = w.Remaining
	s.ResetAt = w.ResetAt
	if w.Limit > 0 {
		s.Limit = w.Limit
	}
	if s.Windows == nil {
		s.Windows = Snapshot{}
	}
	s.Windows[resource] = w

	credentialRemaining.WithLabelValues(s.Suffix).Set(float64(s.Remaining))
	p.logger.Debug().
		Str("credential", s.Suffix).
		Str("resource", resource).
		Int("remaining", s.Remaining).
		Time("reset_at", s.ResetAt).
		Msg("Rate limit updated")

	return nil
}

// MarkRateLimited zeroes the quota of c after a 403/429 without Retry-After.
// Without a known future reset the credential rests for one cooldown.
func (p *Pool) MarkRateLimited(c *Credential) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	s := &c.state
	s.Remaining = 0
	if !s.ResetAt.After(now) {
		s.ResetAt = now.Add(p.cooldown)
	}

	credentialRemaining.WithLabelValues(s.Suffix).Set(0)
	p.logger.Warn().
		Str("credential", s.Suffix).
		Time("reset_at", s.ResetAt).
		Msg("Credential rate limited")
}

// NextAvailable returns the earliest instant at which some credential becomes
// selectable again. ok is false when one is selectable now, or when none ever
// will be (every credential revoked).
func (p *Pool) NextAvailable() (at time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var earliest time.Time

	consider := func(c *Credential) bool {
		s := &c.state
		if s.Revoked {
			return false
		}
		avail := now
		if s.CircuitOpen {
			if t := s.LastFailureAt.Add(p.cooldown); t.After(avail) {
				avail = t
			}
		}
		if s.IsExhausted(now) && s.ResetAt.After(avail) {
			avail = s.ResetAt
		}
		if !avail.After(now) {
			return true
		}
		if earliest.IsZero() || avail.Before(earliest) {
			earliest = avail
		}
		return false
	}

	for _, c := range p.tokens {
		if consider(c) {
			return time.Time{}, false
		}
	}
	if p.anonymous != nil && consider(p.anonymous) {
		return time.Time{}, false
	}

	return earliest, !earliest.IsZero()
}

// State returns a copy of the state of c.
func (p *Pool) State(c *Credential) CredentialState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return copyState(c.state)
}

// States returns copies of every credential's state, tokens first.
func (p *Pool) States() []CredentialState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CredentialState, 0, len(p.tokens)+1)
	for _, c := range p.tokens {
		out = append(out, copyState(c.state))
	}
	if p.anonymous != nil {
		out = append(out, copyState(p.anonymous.state))
	}
	return out
}

func copyState(s CredentialState) CredentialState {
	if s.Windows != nil {
		w := make(Snapshot, len(s.Windows))
		for k, v := range s.Windows {
			w[k] = v
		}
		s.Windows = w
	}
	return s
}
