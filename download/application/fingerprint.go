package application

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"download-gateway/download/domain"
)

// Fingerprinter deriva um identificador não reversível do cliente.
//
// O fingerprint depende de uma janela de tempo: clientes "rotacionam" de
// fingerprint a cada Window. Drift é quantas janelas anteriores à corrente
// ainda são aceitas no fallback de Matches.
type Fingerprinter struct {
	Secret []byte
	Window time.Duration
	Drift  int
	Now    func() time.Time
}

func (f Fingerprinter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// WindowAt calcula os parâmetros de janela para o instante at.
func (f Fingerprinter) WindowAt(at time.Time) domain.FingerprintWindow {
	secs := int64(f.Window / time.Second)
	if secs <= 0 {
		return domain.FingerprintWindow{}
	}
	return domain.FingerprintWindow{Seconds: secs, Index: at.Unix() / secs}
}

// Compute calcula o fingerprint de c com os parâmetros w.
// Retorna "" quando o cliente não pode ser identificado.
func (f Fingerprinter) Compute(c domain.Client, w domain.FingerprintWindow) string {
	if !c.Identified() {
		return ""
	}
	mac := hmac.New(sha256.New, f.Secret)
	mac.Write([]byte("fp\x00"))
	mac.Write([]byte(c.Address))
	mac.Write([]byte{0})
	mac.Write([]byte(c.UserAgent))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(w.Seconds, 10) + ":" + strconv.FormatInt(w.Index, 10)))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// Current devolve o fingerprint do cliente na janela corrente.
func (f Fingerprinter) Current(c domain.Client) domain.FingerprintSnapshot {
	w := f.WindowAt(f.now())
	return domain.FingerprintSnapshot{Fingerprint: f.Compute(c, w), Window: w}
}

// Stable calcula o fingerprint sem janela de tempo. É a chave de buckets,
// allowances e marcadores, que não podem trocar no meio de uma janela de rate.
func (f Fingerprinter) Stable(c domain.Client) string {
	return f.Compute(c, domain.FingerprintWindow{})
}

// Matches confere o cliente contra um snapshot de emissão.
//
// Primeiro recalcula com a janela registrada. Se divergir, tenta uma vez
// com a janela corrente do cliente (mais Drift janelas para trás), o que cobre
// viradas de janela e mudança de configuração entre emissão e uso.
func (f Fingerprinter) Matches(c domain.Client, snap domain.FingerprintSnapshot) bool {
	if !c.Identified() || snap.Fingerprint == "" {
		return false
	}
	if hmac.Equal([]byte(f.Compute(c, snap.Window)), []byte(snap.Fingerprint)) {
		return true
	}
	cur := f.WindowAt(f.now())
	for i := 0; i <= f.Drift; i++ {
		w := cur
		w.Index -= int64(i)
		if w == snap.Window {
			continue
		}
		if hmac.Equal([]byte(f.Compute(c, w)), []byte(snap.Fingerprint)) {
			return true
		}
	}
	return false
}

// shortHash reduz um fingerprint para uso em chaves de marcadores.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
