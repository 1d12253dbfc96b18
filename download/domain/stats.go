package domain

import (
	"context"
	"fmt"
	"math"
)

// Field é um contador agregado por item.
type Field string

const (
	FieldDownloads     Field = "downloads"
	FieldLikes         Field = "likes"
	FieldViews         Field = "views"
	FieldRatingAverage Field = "rating_average"
	FieldRatingCount   Field = "rating_count"
)

// Fields lista todos os campos válidos, na ordem das colunas.
var Fields = []Field{FieldDownloads, FieldLikes, FieldViews, FieldRatingAverage, FieldRatingCount}

// ParseField valida o nome de um campo.
func ParseField(s string) (Field, error) {
	for _, f := range Fields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unknown stat field %q", ErrInvalidInput, s)
}

// IsFloat informa se o campo guarda valor fracionário.
func (f Field) IsFloat() bool { return f == FieldRatingAverage }

// Normalize aplica as invariantes do campo: inteiros não negativos e
// médias com duas casas decimais.
func (f Field) Normalize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if f.IsFloat() {
		return math.Round(v*100) / 100
	}
	return math.Floor(v)
}

// ModStatsRow é a linha durável de contadores de um item.
type ModStatsRow struct {
	ItemID          int64   `json:"item_id"`
	Downloads       int64   `json:"downloads"`
	Likes           int64   `json:"likes"`
	Views           int64   `json:"views"`
	RatingAverage   float64 `json:"rating_average"`
	RatingCount     int64   `json:"rating_count"`
	LatestVersionID int64   `json:"latest_version_id"`
}

// NewModStatsRow cria uma linha aplicando Normalize em todos os campos.
func NewModStatsRow(itemID int64, downloads, likes, views int64, ratingAverage float64, ratingCount int64) ModStatsRow {
	r := ModStatsRow{ItemID: itemID}
	r.With(FieldDownloads, float64(downloads))
	r.With(FieldLikes, float64(likes))
	r.With(FieldViews, float64(views))
	r.With(FieldRatingAverage, ratingAverage)
	r.With(FieldRatingCount, float64(ratingCount))
	return r
}

// Value lê um campo como float64.
func (r ModStatsRow) Value(f Field) float64 {
	switch f {
	case FieldDownloads:
		return float64(r.Downloads)
	case FieldLikes:
		return float64(r.Likes)
	case FieldViews:
		return float64(r.Views)
	case FieldRatingAverage:
		return r.RatingAverage
	case FieldRatingCount:
		return float64(r.RatingCount)
	}
	return 0
}

// With grava um campo já normalizado.
func (r *ModStatsRow) With(f Field, v float64) {
	v = f.Normalize(v)
	switch f {
	case FieldDownloads:
		r.Downloads = int64(v)
	case FieldLikes:
		r.Likes = int64(v)
	case FieldViews:
		r.Views = int64(v)
	case FieldRatingAverage:
		r.RatingAverage = v
	case FieldRatingCount:
		r.RatingCount = int64(v)
	}
}

// VersionStatsRow é o contador durável por versão.
type VersionStatsRow struct {
	VersionID     int64
	DownloadCount int64
}

// ItemDelta é o incremento agregado de um item numa flush.
type ItemDelta struct {
	Downloads       int64
	LatestVersionID int64
}

// DownloadBatch agrupa os incrementos de uma flush: versões por id e itens por id.
type DownloadBatch struct {
	Versions map[int64]int64
	Items    map[int64]ItemDelta
}

func (b DownloadBatch) Empty() bool { return len(b.Versions) == 0 && len(b.Items) == 0 }

// CounterStore é o armazenamento durável de contadores (Durable Counter Store).
type CounterStore interface {
	// Stats lê a linha do item. found=false quando não existe.
	Stats(ctx context.Context, itemID int64) (row ModStatsRow, found bool, err error)
	// StatsMany lê várias linhas numa consulta; ids ausentes não aparecem no mapa.
	StatsMany(ctx context.Context, itemIDs []int64) (map[int64]ModStatsRow, error)
	// SetField faz upsert de um valor pontual.
	SetField(ctx context.Context, itemID int64, field Field, value float64) error
	// IncrementField faz upsert somando amount e devolve o valor resultante.
	IncrementField(ctx context.Context, itemID int64, field Field, amount int64) (float64, error)
	// ApplyDownloads aplica uma flush: um comando multi-linha por tabela,
	// dentro de uma transação.
	ApplyDownloads(ctx context.Context, batch DownloadBatch) error
}

// LegacyMirror mantém o caminho de leitura legado sincronizado.
type LegacyMirror interface {
	MirrorStat(ctx context.Context, itemID int64, field Field, value float64) error
}
