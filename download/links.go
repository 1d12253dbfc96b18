package download

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"download-gateway/download/domain"

	"github.com/go-chi/chi/v5"
)

// Issuer é a parte do TokenService usada pelos endpoints de link.
type Issuer interface {
	Issue(ctx context.Context, versionID int64, c domain.Client) (domain.IssuedToken, error)
	NoJSURL(versionID int64) string
}

// Allower é a parte do Limiter usada na emissão.
type Allower interface {
	Allow(ctx context.Context, ns domain.Namespace, c domain.Client) domain.Decision
}

// Preparer é a parte do Gate usada pela página de espera e pelo clique.
type Preparer interface {
	GrantNoJSPermission(ctx context.Context, c domain.Client, versionID int64) error
	RecordClick(ctx context.Context, c domain.Client, versionID int64) error
}

// StatsReader lê os contadores agregados de um item.
type StatsReader interface {
	Get(ctx context.Context, itemID int64) (domain.ModStatsRow, error)
}

type LinkOptions struct {
	Tokens   Issuer
	Limiter  Allower
	Gate     Preparer
	Stats    StatsReader
	ClientFn ClientFunc
	Logger   *slog.Logger
}

// Links agrupa os endpoints que preparam um download: emissão de token,
// permissão no-JS, pré-contagem de clique e leitura de estatísticas.
type Links struct {
	opts LinkOptions
}

func NewLinks(opts LinkOptions) *Links {
	if opts.ClientFn == nil {
		opts.ClientFn = DefaultClientFunc("", false)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Links{opts: opts}
}

type waitResponse struct {
	URL string `json:"url"`
}

// issue atende /download-link?vid=.
func (l *Links) issue(w http.ResponseWriter, r *http.Request) {
	vid, ok := parseID(r.URL.Query().Get("vid"))
	if !ok {
		l.fail(w, r, fmt.Errorf("%w: vid must be a positive integer", domain.ErrInvalidInput))
		return
	}
	c := l.opts.ClientFn(r)

	if l.opts.Limiter != nil {
		ns := domain.LinkNamespace(vid)
		if dec := l.opts.Limiter.Allow(r.Context(), ns, c); !dec.Allowed {
			l.fail(w, r, &domain.RateLimitError{Namespace: ns, RetryAfter: dec.RetryAfter})
			return
		}
	}

	tok, err := l.opts.Tokens.Issue(r.Context(), vid, c)
	if err != nil {
		l.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tok)
}

// wait atende /download-wait?vid=: grava a permissão no-JS e devolve a URL.
func (l *Links) wait(w http.ResponseWriter, r *http.Request) {
	vid, ok := parseID(r.URL.Query().Get("vid"))
	if !ok {
		l.fail(w, r, fmt.Errorf("%w: vid must be a positive integer", domain.ErrInvalidInput))
		return
	}
	if err := l.opts.Gate.GrantNoJSPermission(r.Context(), l.opts.ClientFn(r), vid); err != nil {
		l.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, waitResponse{URL: l.opts.Tokens.NoJSURL(vid)})
}

// click atende POST /download-click?vid=.
func (l *Links) click(w http.ResponseWriter, r *http.Request) {
	vid, ok := parseID(r.URL.Query().Get("vid"))
	if !ok {
		l.fail(w, r, fmt.Errorf("%w: vid must be a positive integer", domain.ErrInvalidInput))
		return
	}
	if err := l.opts.Gate.RecordClick(r.Context(), l.opts.ClientFn(r), vid); err != nil {
		l.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stats atende GET /stats/{item}.
func (l *Links) stats(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "item"))
	if !ok {
		l.fail(w, r, fmt.Errorf("%w: item must be a positive integer", domain.ErrInvalidInput))
		return
	}
	row, err := l.opts.Stats.Get(r.Context(), id)
	if err != nil {
		l.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (l *Links) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := writeError(w, r, err); status >= http.StatusInternalServerError {
		l.opts.Logger.ErrorContext(r.Context(), "link request failed", "path", r.URL.Path, "status", status, "err", err)
	}
}
