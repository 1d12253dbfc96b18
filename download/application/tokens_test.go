package application

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"download-gateway/download/domain"
)

type recordingGranter struct {
	grants []domain.Namespace
}

func (g *recordingGranter) GrantAllowance(_ context.Context, ns domain.Namespace, _ string, _ time.Duration) error {
	g.grants = append(g.grants, ns)
	return nil
}

type tokenFixture struct {
	svc     *TokenService
	clock   *fakeClock
	cache   *memCache
	lookup  *fakeLookup
	granter *recordingGranter
}

func newTokenFixture(t *testing.T, cfg TokenConfig) tokenFixture {
	t.Helper()
	clock := newFakeClock()
	cache := newMemCache(clock)
	lookup := newFakeLookup()
	lookup.add(domain.VersionRecord{ID: 7, ItemID: 70, UploadedAt: clock.Now()}, domain.Attachment{ID: 700, Path: "/srv/files/a.zip"})
	granter := &recordingGranter{}

	cfg.Secret = []byte("test-secret")
	cfg.Now = clock.Now
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://example.org/"
	}
	fp := Fingerprinter{Secret: cfg.Secret, Window: time.Hour, Drift: 1, Now: clock.Now}
	svc, err := NewTokenService(lookup, cache, granter, fp, cfg)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return tokenFixture{svc: svc, clock: clock, cache: cache, lookup: lookup, granter: granter}
}

var alice = domain.Client{Address: "203.0.113.7", UserAgent: "Mozilla/5.0"}

func TestNewTokenService_RequiresSecret(t *testing.T) {
	if _, err := NewTokenService(newFakeLookup(), newMemCache(newFakeClock()), nil, Fingerprinter{}, TokenConfig{}); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestTokenService_IssueAndValidateOnce(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{})
	ctx := context.Background()

	tok, err := f.svc.Issue(ctx, 7, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !tok.ExpiresAt.Equal(f.clock.Now().Add(600 * time.Second)) {
		t.Fatalf("unexpected expiry %s", tok.ExpiresAt)
	}
	if !strings.HasPrefix(tok.URL, "https://example.org/download-file/?") || !strings.Contains(tok.URL, "vid=7") {
		t.Fatalf("unexpected url %q", tok.URL)
	}

	v, err := f.svc.Validate(ctx, tok.Token, 7, alice)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.ItemID != 70 {
		t.Fatalf("expected item 70, got %d", v.ItemID)
	}
	if len(f.granter.grants) != 1 || f.granter.grants[0] != domain.TokenNamespace(7) {
		t.Fatalf("expected one allowance for token_7, got %v", f.granter.grants)
	}

	if _, err := f.svc.Validate(ctx, tok.Token, 7, alice); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected second use to be rejected, got %v", err)
	}
}

func TestTokenService_Issue_RejectsBadVersion(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{})
	if _, err := f.svc.Issue(context.Background(), 0, alice); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.Issue(context.Background(), 99, alice); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenService_Validate_ExpiredAfterTTL(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{})
	ctx := context.Background()

	tok, err := f.svc.Issue(ctx, 7, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.clock.Advance(601 * time.Second)

	if _, err := f.svc.Validate(ctx, tok.Token, 7, alice); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenService_Validate_ExpiredRecordStillCached(t *testing.T) {
	// registro com TTL maior que o token: a expiração embutida decide
	f := newTokenFixture(t, TokenConfig{})
	ctx := context.Background()

	tok, err := f.svc.Issue(ctx, 7, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	raw, _ := f.cache.Get(ctx, f.svc.recordKey(tok.Token))
	_ = f.cache.Set(ctx, f.svc.recordKey(tok.Token), raw, time.Hour)
	f.clock.Advance(601 * time.Second)

	if _, err := f.svc.Validate(ctx, tok.Token, 7, alice); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if f.cache.has(f.svc.recordKey(tok.Token)) {
		t.Fatalf("expected expired record to be deleted")
	}
}

func TestTokenService_Validate_TamperedToken(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{})
	ctx := context.Background()

	tok, err := f.svc.Issue(ctx, 7, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	flip := func(s string, i int) string {
		b := []byte(s)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		return string(b)
	}
	for _, tampered := range []string{flip(tok.Token, 0), flip(tok.Token, len(tok.Token)-1)} {
		if _, err := f.svc.Validate(ctx, tampered, 7, alice); !errors.Is(err, domain.ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", tampered, err)
		}
	}

	// o original continua válido
	if _, err := f.svc.Validate(ctx, tok.Token, 7, alice); err != nil {
		t.Fatalf("expected original token to validate, got %v", err)
	}
}

func TestTokenService_Validate_ForgedRecordSignature(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{})
	ctx := context.Background()

	// token montado com outro segredo, mas com registro plantado no cache
	forged := tokenParts{VersionID: 7, ExpiresAt: f.clock.Now().Add(time.Minute).Unix(), Nonce: "n"}
	forged.Signature = strings.Repeat("ab", 32)
	token := forged.encode()
	raw, err := json.Marshal(domain.TokenRecord{
		VersionID:   7,
		ExpiresAt:   forged.ExpiresAt,
		Nonce:       forged.Nonce,
		Signature:   forged.Signature,
		Namespace:   domain.TokenNamespace(7),
		Fingerprint: f.svc.fp.Current(alice),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = f.cache.Set(ctx, f.svc.recordKey(token), raw, time.Minute)

	if _, err := f.svc.Validate(ctx, token, 7, alice); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenService_Validate_WrongVersionOrClient(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{})
	ctx := context.Background()
	f.lookup.add(domain.VersionRecord{ID: 8, ItemID: 70}, domain.Attachment{ID: 800})

	tok, err := f.svc.Issue(ctx, 7, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.svc.Validate(ctx, tok.Token, 8, alice); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for other version, got %v", err)
	}
	bob := domain.Client{Address: "198.51.100.1", UserAgent: "curl/8"}
	if _, err := f.svc.Validate(ctx, tok.Token, 7, bob); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for other client, got %v", err)
	}
	if _, err := f.svc.Validate(ctx, "", 7, alice); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestTokenService_Validate_AcrossWindowRollover(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{})
	ctx := context.Background()

	// emite a 1s do fim da janela de fingerprint
	next := f.clock.Now().Truncate(time.Hour).Add(time.Hour)
	f.clock.Advance(next.Sub(f.clock.Now()) - time.Second)

	tok, err := f.svc.Issue(ctx, 7, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	if _, err := f.svc.Validate(ctx, tok.Token, 7, alice); err != nil {
		t.Fatalf("expected token to survive window rollover, got %v", err)
	}
}

func TestTokenService_Validate_GraceAllowsReuse(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{Grace: 30 * time.Second})
	ctx := context.Background()

	tok, err := f.svc.Issue(ctx, 7, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for i := 0; i < 2; i++ {
		_, replay, err := f.svc.Redeem(ctx, tok.Token, 7, alice)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if replay != (i > 0) {
			t.Fatalf("attempt %d: expected replay=%v", i, i > 0)
		}
	}
	f.clock.Advance(31 * time.Second)
	if _, err := f.svc.Validate(ctx, tok.Token, 7, alice); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after grace, got %v", err)
	}
}

func TestTokenService_Validate_RemovedVersion(t *testing.T) {
	f := newTokenFixture(t, TokenConfig{})
	ctx := context.Background()

	tok, err := f.svc.Issue(ctx, 7, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v := f.lookup.versions[7]
	v.Status = domain.VersionRemoved
	f.lookup.versions[7] = v

	if _, err := f.svc.Validate(ctx, tok.Token, 7, alice); !errors.Is(err, domain.ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}
}

func TestDecodeToken_RejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "!!!", tokenParts{VersionID: 1, ExpiresAt: 1, Nonce: "n"}.encode()} {
		if _, err := decodeToken(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
