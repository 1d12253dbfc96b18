package application

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"download-gateway/download/domain"

	"github.com/google/uuid"
)

const (
	DefaultTokenTTL     = 600 * time.Second
	DefaultAllowanceTTL = 30 * time.Second
)

// AllowanceGranter é a parte do Limiter usada após validar um token.
type AllowanceGranter interface {
	GrantAllowance(ctx context.Context, ns domain.Namespace, fp string, ttl time.Duration) error
}

// TokenConfig reúne os parâmetros do TokenService.
type TokenConfig struct {
	Secret []byte
	// TTL do token e do registro no cache (padrão 600s).
	TTL time.Duration
	// Grace permite revalidar um token já usado por alguns segundos
	// (0 = uso único estrito).
	Grace        time.Duration
	AllowanceTTL time.Duration
	// BaseURL é o prefixo público, ex: https://example.org
	BaseURL string
	Prefix  string
	Now     func() time.Time
	Nonce   func() string
	Logger  *slog.Logger
}

// TokenService emite e valida permissões de download assinadas.
//
// Um token só vale enquanto: o registro no cache existir, a assinatura
// HMAC conferir, não tiver expirado e o fingerprint do cliente bater com
// o da emissão.
type TokenService struct {
	lookup  domain.VersionLookup
	cache   domain.Cache
	granter AllowanceGranter
	fp      Fingerprinter
	cfg     TokenConfig
}

func NewTokenService(lookup domain.VersionLookup, cache domain.Cache, granter AllowanceGranter, fp Fingerprinter, cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if lookup == nil || cache == nil {
		return nil, errors.New("version lookup and cache are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.AllowanceTTL <= 0 {
		cfg.AllowanceTTL = DefaultAllowanceTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "dltoken"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Nonce == nil {
		cfg.Nonce = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TokenService{lookup: lookup, cache: cache, granter: granter, fp: fp, cfg: cfg}, nil
}

func (s *TokenService) TTL() time.Duration { return s.cfg.TTL }

// Issue emite um token para a versão, vinculado ao fingerprint do cliente.
func (s *TokenService) Issue(ctx context.Context, versionID int64, c domain.Client) (domain.IssuedToken, error) {
	if versionID <= 0 {
		return domain.IssuedToken{}, fmt.Errorf("%w: version id must be positive", domain.ErrInvalidInput)
	}
	v, err := s.lookup.Version(ctx, versionID)
	if err != nil {
		return domain.IssuedToken{}, fmt.Errorf("issue token for version %d: %w", versionID, err)
	}

	expiresAt := s.cfg.Now().Add(s.cfg.TTL).Unix()
	p := tokenParts{VersionID: v.ID, ExpiresAt: expiresAt, Nonce: s.cfg.Nonce()}
	p.Signature = s.sign(p.payload())
	token := p.encode()

	rec := domain.TokenRecord{
		VersionID:   v.ID,
		ExpiresAt:   expiresAt,
		Nonce:       p.Nonce,
		Signature:   p.Signature,
		Namespace:   domain.TokenNamespace(v.ID),
		Fingerprint: s.fp.Current(c),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return domain.IssuedToken{}, fmt.Errorf("%w: encode token record: %v", domain.ErrStorageFailure, err)
	}
	if err := s.cache.Set(ctx, s.recordKey(token), raw, s.cfg.TTL); err != nil {
		return domain.IssuedToken{}, fmt.Errorf("%w: store token record: %v", domain.ErrStorageFailure, err)
	}

	return domain.IssuedToken{
		Token:     token,
		ExpiresAt: time.Unix(expiresAt, 0).UTC(),
		URL:       s.DownloadURL(token, v.ID),
	}, nil
}

// DownloadURL monta a URL pública do endpoint de download.
func (s *TokenService) DownloadURL(token string, versionID int64) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("vid", strconv.FormatInt(versionID, 10))
	return s.cfg.BaseURL + "/download-file/?" + q.Encode()
}

// NoJSURL é a URL usada pela página de espera sem JavaScript.
func (s *TokenService) NoJSURL(versionID int64) string {
	q := url.Values{}
	q.Set("nojs", "1")
	q.Set("vid", strconv.FormatInt(versionID, 10))
	return s.cfg.BaseURL + "/download-file/?" + q.Encode()
}

// Validate confere o token para a versão e o cliente. Em caso de sucesso o
// registro é consumido e o cliente recebe uma allowance no limiter.
func (s *TokenService) Validate(ctx context.Context, token string, versionID int64, c domain.Client) (domain.VersionRecord, error) {
	v, _, err := s.Redeem(ctx, token, versionID, c)
	return v, err
}

// Redeem é o Validate que também informa replay: true quando o token já tinha
// sido usado e só passou por estar dentro do Grace.
func (s *TokenService) Redeem(ctx context.Context, token string, versionID int64, c domain.Client) (domain.VersionRecord, bool, error) {
	if token == "" || versionID <= 0 {
		return domain.VersionRecord{}, false, domain.ErrInvalidToken
	}
	now := s.cfg.Now()
	key := s.recordKey(token)

	raw, err := s.cache.Get(ctx, key)
	if errors.Is(err, domain.ErrCacheMiss) {
		if s.authenticButExpired(token, versionID, now) {
			return domain.VersionRecord{}, false, domain.ErrTokenExpired
		}
		return domain.VersionRecord{}, false, domain.ErrInvalidToken
	}
	if err != nil {
		return domain.VersionRecord{}, false, fmt.Errorf("%w: load token record: %v", domain.ErrStorageFailure, err)
	}

	var rec domain.TokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.VersionID != versionID {
		return domain.VersionRecord{}, false, domain.ErrInvalidToken
	}
	if rec.Expired(now) {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.cfg.Logger.Warn("delete expired token record failed", "error", err)
		}
		return domain.VersionRecord{}, false, domain.ErrTokenExpired
	}

	p, err := decodeToken(token)
	if err != nil {
		return domain.VersionRecord{}, false, domain.ErrInvalidToken
	}
	if !s.verify(p) {
		return domain.VersionRecord{}, false, domain.ErrInvalidToken
	}
	ns := domain.TokenNamespace(versionID)
	if domain.TokenNamespace(p.VersionID) != ns || rec.Namespace != ns {
		return domain.VersionRecord{}, false, domain.ErrInvalidToken
	}
	if !s.fp.Matches(c, rec.Fingerprint) {
		return domain.VersionRecord{}, false, domain.ErrInvalidToken
	}
	if p.VersionID != rec.VersionID || p.ExpiresAt != rec.ExpiresAt {
		return domain.VersionRecord{}, false, domain.ErrInvalidToken
	}

	v, err := s.lookup.Version(ctx, versionID)
	if err != nil {
		return domain.VersionRecord{}, false, fmt.Errorf("validate token for version %d: %w", versionID, err)
	}

	s.consume(ctx, key, rec, now)
	if s.granter != nil {
		if fp := s.fp.Stable(c); fp != "" {
			if err := s.granter.GrantAllowance(ctx, ns, fp, s.cfg.AllowanceTTL); err != nil {
				s.cfg.Logger.Warn("grant rate limit allowance failed", "namespace", ns, "error", err)
			}
		}
	}
	return v, rec.ConsumedAt != 0, nil
}

// consume remove o registro; com Grace > 0 mantém o registro por Grace a
// partir do primeiro uso.
func (s *TokenService) consume(ctx context.Context, key string, rec domain.TokenRecord, now time.Time) {
	if s.cfg.Grace <= 0 {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.cfg.Logger.Warn("consume token record failed", "error", err)
		}
		return
	}
	if rec.ConsumedAt != 0 {
		return
	}
	rec.ConsumedAt = now.Unix()
	raw, err := json.Marshal(rec)
	if err == nil {
		err = s.cache.Set(ctx, key, raw, s.cfg.Grace)
	}
	if err != nil {
		s.cfg.Logger.Warn("mark token consumed failed", "error", err)
	}
}

// authenticButExpired distingue um token legítimo vencido (registro já
// expirou no cache) de um token desconhecido.
func (s *TokenService) authenticButExpired(token string, versionID int64, now time.Time) bool {
	p, err := decodeToken(token)
	if err != nil || p.VersionID != versionID {
		return false
	}
	return s.verify(p) && now.Unix() > p.ExpiresAt
}

func (s *TokenService) sign(payload string) string {
	mac := hmac.New(sha256.New, s.cfg.Secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify compara as assinaturas em tempo constante.
func (s *TokenService) verify(p tokenParts) bool {
	got, err := hex.DecodeString(p.Signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(s.sign(p.payload()))
	return hmac.Equal(got, want)
}

func (s *TokenService) recordKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.cfg.Prefix + ":" + hex.EncodeToString(sum[:])
}

// tokenParts é a forma decodificada do token: version|expiry|nonce|signature.
type tokenParts struct {
	VersionID int64
	ExpiresAt int64
	Nonce     string
	Signature string
}

func (p tokenParts) payload() string {
	return strconv.FormatInt(p.VersionID, 10) + "|" + strconv.FormatInt(p.ExpiresAt, 10) + "|" + p.Nonce
}

func (p tokenParts) encode() string {
	return base64.RawURLEncoding.EncodeToString([]byte(p.payload() + "|" + p.Signature))
}

func decodeToken(token string) (tokenParts, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return tokenParts{}, err
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return tokenParts{}, fmt.Errorf("token has %d parts", len(parts))
	}
	vid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || vid <= 0 {
		return tokenParts{}, errors.New("bad version")
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || exp <= 0 {
		return tokenParts{}, errors.New("bad expiry")
	}
	if parts[2] == "" || parts[3] == "" {
		return tokenParts{}, errors.New("empty nonce or signature")
	}
	return tokenParts{VersionID: vid, ExpiresAt: exp, Nonce: parts[2], Signature: parts[3]}, nil
}
