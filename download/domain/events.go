package domain

type Topic string

const (
	TopicStatsChanged     Topic = "stats.changed"
	TopicDownloadsFlushed Topic = "downloads.flushed"
)

// StatsChanged é publicado quando um contador de item muda.
type StatsChanged struct {
	ItemID int64
	Field  Field
	Value  float64
}

// DownloadsFlushed é publicado ao fim de uma flush bem-sucedida.
type DownloadsFlushed struct {
	VersionIDs []int64
	ItemIDs    []int64
}

// Publisher é o barramento interno consumido por indexadores/busca.
// Publish não bloqueia e não falha para quem publica.
type Publisher interface {
	Publish(topic Topic, payload any)
}
