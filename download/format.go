// formatação pequena de valores numéricos em headers e query strings.

package download

import (
	"math"
	"strconv"
	"time"
)

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

// retryAfterSeconds arredonda para cima e nunca devolve menos que 1.
func retryAfterSeconds(d time.Duration) string {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return formatInt(s)
}

// parseID lê um identificador positivo; zero/negativo/inválido dá ok=false.
func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parseFlag aceita "1", "true", "yes" e "on".
func parseFlag(s string) bool {
	switch s {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
