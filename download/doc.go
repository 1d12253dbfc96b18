// Package download é o adapter HTTP (net/http + chi) do gateway de downloads.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos (tokens, versões, contadores), sem net/http
//   - application: casos de uso (token, rate limit, gate, fila, stats)
//   - infra: Redis, SQL, memória, Prometheus, barramento de eventos
//   - download (este pacote): rotas, extração do cliente, tradução de erro
//     para status/headers e streaming do arquivo
//
// Fluxo do download:
//
//  1. Extrai o cliente (IP/header/XFF + User-Agent) e os parâmetros vid/token/nojs
//  2. Chama o Gate, que decide e devolve um Delivery
//  3. Se rejeitado, responde 400/403/404/410/429/500 com mensagem curta localizada
//  4. Se aprovado, transmite em chunks (com limite de banda opcional) ou
//     devolve o header de redirect interno para o servidor de borda
//
// O binário cmd/gateway faz o wiring a partir de variáveis de ambiente.
package download
