package download

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"download-gateway/download/domain"

	"golang.org/x/text/language"
)

// rejection é a tradução de um erro do núcleo para a borda HTTP.
type rejection struct {
	Status int
	Code   string
}

// classify é o único ponto que transforma erro tipado em status.
func classify(err error) rejection {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return rejection{http.StatusBadRequest, "invalid_input"}
	case errors.Is(err, domain.ErrPermissionMissing):
		return rejection{http.StatusForbidden, "permission_missing"}
	case errors.Is(err, domain.ErrInvalidToken):
		return rejection{http.StatusForbidden, "invalid_token"}
	case errors.Is(err, domain.ErrTokenExpired):
		return rejection{http.StatusForbidden, "token_expired"}
	case errors.Is(err, domain.ErrGone):
		return rejection{http.StatusGone, "gone"}
	case errors.Is(err, domain.ErrNotFound):
		return rejection{http.StatusNotFound, "not_found"}
	case errors.Is(err, domain.ErrRateLimited):
		return rejection{http.StatusTooManyRequests, "rate_limited"}
	case errors.Is(err, domain.ErrBusy):
		return rejection{http.StatusServiceUnavailable, "busy"}
	}
	return rejection{http.StatusInternalServerError, "internal"}
}

var supported = []language.Tag{
	language.English,
	language.BrazilianPortuguese,
}

var matcher = language.NewMatcher(supported)

var messages = map[string][2]string{
	"invalid_input":      {"Invalid download request.", "Pedido de download inválido."},
	"permission_missing": {"Please open the download page first.", "Abra a página de download antes."},
	"invalid_token":      {"This download link is not valid.", "Este link de download não é válido."},
	"token_expired":      {"This download link has expired.", "Este link de download expirou."},
	"gone":               {"This file is no longer available.", "Este arquivo não está mais disponível."},
	"not_found":          {"File not found.", "Arquivo não encontrado."},
	"rate_limited":       {"Too many downloads, try again shortly.", "Muitos downloads, tente novamente em instantes."},
	"busy":               {"The server is busy, try again shortly.", "Servidor ocupado, tente novamente em instantes."},
	"internal":           {"Download failed.", "Falha no download."},
}

// localize escolhe a mensagem pelo Accept-Language (en como padrão).
func localize(code, acceptLanguage string) string {
	msgs, ok := messages[code]
	if !ok {
		msgs = messages["internal"]
	}
	_, idx := language.MatchStrings(matcher, acceptLanguage)
	if idx < 0 || idx >= len(msgs) {
		idx = 0
	}
	return msgs[idx]
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError responde a rejeição. Nunca expõe err ao cliente.
func writeError(w http.ResponseWriter, r *http.Request, err error) int {
	rej := classify(err)

	var rle *domain.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(rle.RetryAfter))
	}

	msg := localize(rej.Code, r.Header.Get("Accept-Language"))
	if wantsJSON(r) {
		writeJSON(w, rej.Status, errorBody{Error: rej.Code, Message: msg})
		return rej.Status
	}
	http.Error(w, msg, rej.Status)
	return rej.Status
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
