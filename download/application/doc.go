// Package application contém os casos de uso do gateway de downloads:
// emissão/validação de tokens, rate limit por fingerprint, o gate que
// orquestra um download, a fila de agregação e o store de estatísticas.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Gate.Serve(req) retorna um domain.Delivery ou um erro tipado; quem
// traduz para status HTTP é o pacote download.
package application
