package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"download-gateway/download/domain"
)

const (
	DefaultMarkerTTL     = 10 * time.Minute
	DefaultPermissionTTL = 10 * time.Minute
)

// RateChecker é a parte do Limiter usada pelo gate.
type RateChecker interface {
	Fingerprint(c domain.Client) string
	AllowFingerprint(ctx context.Context, ns domain.Namespace, fp string) domain.Decision
	GrantAllowance(ctx context.Context, ns domain.Namespace, fp string, ttl time.Duration) error
}

// TokenValidator é a parte do TokenService usada pelo gate. replay indica
// reuso dentro do grace, que não conta de novo.
type TokenValidator interface {
	Redeem(ctx context.Context, token string, versionID int64, c domain.Client) (v domain.VersionRecord, replay bool, err error)
}

// Enqueuer é a parte da Queue usada pelo gate.
type Enqueuer interface {
	Enqueue(ctx context.Context, versionID, delta int64) error
}

// GateConfig reúne os parâmetros de entrega e TTLs do gate.
type GateConfig struct {
	// StorageRoot é a raiz esperada dos arquivos para redirect interno.
	StorageRoot      string
	InternalRedirect bool
	RedirectPrefix   string

	AllowanceTTL  time.Duration
	MarkerTTL     time.Duration
	PermissionTTL time.Duration
	Prefix        string
	Logger        *slog.Logger
}

// Gate orquestra um pedido de download:
//
//	Start -> RateLimitChecked -> {NoJsValidated | TokenValidated} -> ClickConsumed? -> Streaming
//
// com saída para rejeição (erro tipado) em cada etapa. Os bytes em si são
// entregues pelo adapter HTTP a partir do Delivery.
type Gate struct {
	limiter RateChecker
	tokens  TokenValidator
	queue   Enqueuer
	lookup  domain.VersionLookup
	cache   domain.Cache
	cfg     GateConfig
}

func NewGate(limiter RateChecker, tokens TokenValidator, queue Enqueuer, lookup domain.VersionLookup, cache domain.Cache, cfg GateConfig) *Gate {
	if cfg.AllowanceTTL <= 0 {
		cfg.AllowanceTTL = DefaultAllowanceTTL
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = DefaultMarkerTTL
	}
	if cfg.PermissionTTL <= 0 {
		cfg.PermissionTTL = DefaultPermissionTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "gate"
	}
	if cfg.RedirectPrefix == "" {
		cfg.RedirectPrefix = "/protected-files"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{limiter: limiter, tokens: tokens, queue: queue, lookup: lookup, cache: cache, cfg: cfg}
}

// noJSPermission é gravada pela página de espera quando o cliente não tem JavaScript.
type noJSPermission struct {
	VersionID int64 `json:"version_id"`
	ItemID    int64 `json:"item_id"`
}

// Serve percorre a máquina de estados e devolve o que entregar.
func (g *Gate) Serve(ctx context.Context, req domain.DownloadRequest) (domain.Delivery, error) {
	if req.VersionID <= 0 {
		return domain.Delivery{}, fmt.Errorf("%w: version id must be positive", domain.ErrInvalidInput)
	}

	ns := domain.TokenNamespace(req.VersionID)
	if req.NoJS {
		ns = domain.NoJSNamespace(req.VersionID)
	}
	fp := g.limiter.Fingerprint(req.Client)
	if dec := g.limiter.AllowFingerprint(ctx, ns, fp); !dec.Allowed {
		return domain.Delivery{}, &domain.RateLimitError{Namespace: ns, RetryAfter: dec.RetryAfter}
	}

	var (
		version domain.VersionRecord
		replay  bool
		err     error
	)
	if req.NoJS {
		version, err = g.consumeNoJS(ctx, ns, fp, req.VersionID)
	} else {
		version, replay, err = g.tokens.Redeem(ctx, req.Token, req.VersionID, req.Client)
	}
	if err != nil {
		return domain.Delivery{}, err
	}

	counted := false
	if !replay {
		counted = g.count(ctx, req.VersionID, fp)
	}

	att, err := g.lookup.Attachment(ctx, version.AttachmentID)
	if err != nil {
		return domain.Delivery{}, fmt.Errorf("attachment for version %d: %w", version.ID, err)
	}

	d := domain.Delivery{Version: version, Attachment: att, Mode: domain.DeliverStream, Fingerprint: fp, Counted: counted}
	if path, ok := g.internalPath(att.Path); ok {
		d.Mode = domain.DeliverInternalRedirect
		d.RedirectPath = path
	}
	return d, nil
}

// count consome o marcador de clique; sem marcador, enfileira +1 antes de
// qualquer byte sair (conexão abandonada conta a mais, nunca a menos).
// Falha ao enfileirar não bloqueia o download.
func (g *Gate) count(ctx context.Context, versionID int64, fp string) bool {
	if fp != "" {
		_, err := g.cache.Take(ctx, g.markerKey(versionID, fp))
		if err == nil {
			return false
		}
		if !errors.Is(err, domain.ErrCacheMiss) {
			g.cfg.Logger.Warn("click marker lookup failed", "version_id", versionID, "error", err)
		}
	}
	if err := g.queue.Enqueue(ctx, versionID, 1); err != nil {
		g.cfg.Logger.Error("enqueue download failed", "version_id", versionID, "error", err)
		return false
	}
	return true
}

// GrantNoJSPermission grava a permissão usada pelo caminho sem JavaScript.
// É chamada quando o cliente carrega a página de espera.
func (g *Gate) GrantNoJSPermission(ctx context.Context, c domain.Client, versionID int64) error {
	if versionID <= 0 {
		return fmt.Errorf("%w: version id must be positive", domain.ErrInvalidInput)
	}
	v, err := g.lookup.Version(ctx, versionID)
	if err != nil {
		return fmt.Errorf("no-js permission for version %d: %w", versionID, err)
	}
	raw, err := json.Marshal(noJSPermission{VersionID: v.ID, ItemID: v.ItemID})
	if err != nil {
		return fmt.Errorf("%w: encode permission: %v", domain.ErrStorageFailure, err)
	}
	fp := g.limiter.Fingerprint(c)
	if fp == "" {
		return fmt.Errorf("%w: client not identified", domain.ErrPermissionMissing)
	}
	if err := g.cache.Set(ctx, g.permissionKey(fp, versionID), raw, g.cfg.PermissionTTL); err != nil {
		return fmt.Errorf("%w: store permission: %v", domain.ErrStorageFailure, err)
	}
	return nil
}

// RecordClick conta o download no clique do botão e grava o marcador que
// impede o pedido de arquivo seguinte de contar de novo. Cliente sem
// fingerprint não tem marcador: a contagem fica para o pedido do arquivo.
func (g *Gate) RecordClick(ctx context.Context, c domain.Client, versionID int64) error {
	if versionID <= 0 {
		return fmt.Errorf("%w: version id must be positive", domain.ErrInvalidInput)
	}
	if _, err := g.lookup.Version(ctx, versionID); err != nil {
		return fmt.Errorf("click for version %d: %w", versionID, err)
	}
	fp := g.limiter.Fingerprint(c)
	if fp == "" {
		return nil
	}
	if err := g.queue.Enqueue(ctx, versionID, 1); err != nil {
		return err
	}
	if err := g.cache.Set(ctx, g.markerKey(versionID, fp), []byte("1"), g.cfg.MarkerTTL); err != nil {
		return fmt.Errorf("%w: store click marker: %v", domain.ErrStorageFailure, err)
	}
	return nil
}

func (g *Gate) consumeNoJS(ctx context.Context, ns domain.Namespace, fp string, versionID int64) (domain.VersionRecord, error) {
	if fp == "" {
		return domain.VersionRecord{}, domain.ErrPermissionMissing
	}
	raw, err := g.cache.Take(ctx, g.permissionKey(fp, versionID))
	if errors.Is(err, domain.ErrCacheMiss) {
		return domain.VersionRecord{}, domain.ErrPermissionMissing
	}
	if err != nil {
		return domain.VersionRecord{}, fmt.Errorf("%w: load permission: %v", domain.ErrStorageFailure, err)
	}
	var perm noJSPermission
	if err := json.Unmarshal(raw, &perm); err != nil {
		return domain.VersionRecord{}, domain.ErrPermissionMissing
	}

	v, err := g.lookup.Version(ctx, versionID)
	if err != nil {
		return domain.VersionRecord{}, fmt.Errorf("no-js download for version %d: %w", versionID, err)
	}
	if v.ItemID != perm.ItemID {
		return domain.VersionRecord{}, fmt.Errorf("%w: version %d does not belong to item %d", domain.ErrNotFound, versionID, perm.ItemID)
	}
	if err := g.limiter.GrantAllowance(ctx, ns, fp, g.cfg.AllowanceTTL); err != nil {
		g.cfg.Logger.Warn("grant rate limit allowance failed", "namespace", ns, "error", err)
	}
	return v, nil
}

// internalPath traduz o caminho do arquivo para o prefixo do redirect
// interno, apenas se o arquivo estiver dentro de StorageRoot.
func (g *Gate) internalPath(path string) (string, bool) {
	if !g.cfg.InternalRedirect || g.cfg.StorageRoot == "" || path == "" {
		return "", false
	}
	root, err := filepath.Abs(g.cfg.StorageRoot)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return strings.TrimRight(g.cfg.RedirectPrefix, "/") + "/" + filepath.ToSlash(rel), true
}

func (g *Gate) markerKey(versionID int64, fp string) string {
	return g.cfg.Prefix + ":click:" + strconv.FormatInt(versionID, 10) + ":" + shortHash(fp)
}

func (g *Gate) permissionKey(fp string, versionID int64) string {
	return g.cfg.Prefix + ":nojs:" + shortHash(fp) + ":" + strconv.FormatInt(versionID, 10)
}
