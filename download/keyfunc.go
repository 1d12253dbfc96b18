package download

import (
	"net"
	"net/http"
	"strings"

	"download-gateway/download/domain"
)

// ClientFunc extrai a identidade bruta do cliente da requisição.
type ClientFunc func(r *http.Request) domain.Client

// DefaultClientFunc usa, nesta ordem: o header keyHeader (quando
// configurado), o primeiro IP do X-Forwarded-For (quando trustXFF) e o host
// de RemoteAddr. Sem nenhum deles o Address fica vazio e o limiter deixa
// passar.
func DefaultClientFunc(keyHeader string, trustXFF bool) ClientFunc {
	return func(r *http.Request) domain.Client {
		return domain.Client{
			Address:   clientAddress(r, keyHeader, trustXFF),
			UserAgent: strings.TrimSpace(r.UserAgent()),
		}
	}
}

func clientAddress(r *http.Request, keyHeader string, trustXFF bool) string {
	if keyHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
			return v
		}
	}

	if trustXFF {
		// primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	return remote
}
