package domain

// Client é a identidade bruta do cliente extraída da requisição.
// Nunca é persistida: só o fingerprint derivado dela vai para o cache.
type Client struct {
	Address   string
	UserAgent string
}

// Identified informa se há sinal suficiente para derivar um fingerprint.
func (c Client) Identified() bool { return c.Address != "" }

// FingerprintWindow são os parâmetros de janela usados no cálculo.
// Index = unix / Seconds; Seconds <= 0 desativa a janela (Index 0).
type FingerprintWindow struct {
	Seconds int64 `json:"seconds"`
	Index   int64 `json:"index"`
}

// FingerprintSnapshot é o fingerprint registrado na emissão do token,
// junto com a janela usada para calculá-lo.
type FingerprintSnapshot struct {
	Fingerprint string            `json:"fingerprint"`
	Window      FingerprintWindow `json:"window"`
}
