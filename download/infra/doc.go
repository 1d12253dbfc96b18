// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisCache: cache compartilhado com incremento atômico (go-redis + Lua)
//   - MemoryCache: cache best-effort em memória com janitor
//   - SQLStore: contadores duráveis e Version Lookup (sqlite, postgres, mysql)
//   - BandwidthStore: token bucket de bytes por cliente (x/time/rate)
//   - NewChanPool: semáforo simples para limite de streams simultâneos
//   - RedisOutcomeStore / MemoryOutcomeStore: desfechos do gate
//   - Metrics: contadores Prometheus e handler de /metrics
//   - EventBus: barramento interno com pool de workers
package infra
