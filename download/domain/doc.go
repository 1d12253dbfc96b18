// Package domain define contratos e tipos de domínio do gateway de downloads:
// tokens de download, rate limit por fingerprint, fila de agregação de
// contadores e a tabela durável de estatísticas.
//
// Este pacote não depende de net/http nem de implementações concretas
// (Redis, SQL). A camada application usa apenas estes contratos, o que
// permite testes de unidade puros com fakes.
package domain
