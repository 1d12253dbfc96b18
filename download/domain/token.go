package domain

import (
	"strconv"
	"time"
)

// TokenNamespace é o namespace usado pelo caminho com token.
func TokenNamespace(versionID int64) Namespace {
	return Namespace("token_" + strconv.FormatInt(versionID, 10))
}

// NoJSNamespace é o namespace usado pelo caminho sem JavaScript.
func NoJSNamespace(versionID int64) Namespace {
	return Namespace("nojs_" + strconv.FormatInt(versionID, 10))
}

// LinkNamespace é o namespace da emissão de links, separado do download
// para que emitir e baixar não disputem o mesmo orçamento.
func LinkNamespace(versionID int64) Namespace {
	return Namespace("link_" + strconv.FormatInt(versionID, 10))
}

// TokenRecord é o registro efêmero guardado no cache, indexado pelo hash
// do token. Não vai para o armazenamento durável.
type TokenRecord struct {
	VersionID   int64               `json:"version_id"`
	ExpiresAt   int64               `json:"expires_at"`
	Nonce       string              `json:"nonce"`
	Signature   string              `json:"signature"`
	Namespace   Namespace           `json:"namespace"`
	Fingerprint FingerprintSnapshot `json:"fingerprint"`
	// ConsumedAt é preenchido quando o token é revalidado dentro da janela de graça.
	ConsumedAt int64 `json:"consumed_at,omitempty"`
}

// Expired compara a expiração do registro com now.
func (r TokenRecord) Expired(now time.Time) bool {
	return now.Unix() > r.ExpiresAt
}

// IssuedToken é o resultado de uma emissão.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	URL       string    `json:"url"`
}
