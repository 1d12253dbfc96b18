package domain

// DeliveryMode diz ao adapter HTTP como entregar os bytes.
type DeliveryMode int

const (
	// DeliverStream: abrir o arquivo e transmitir em chunks.
	DeliverStream DeliveryMode = iota
	// DeliverInternalRedirect: delegar a transferência ao servidor de borda.
	DeliverInternalRedirect
)

// DownloadRequest é a entrada do gate, já extraída da requisição.
type DownloadRequest struct {
	VersionID int64
	Token     string
	NoJS      bool
	Client    Client
}

// Delivery é o resultado de um pedido aprovado pelo gate.
type Delivery struct {
	Version    VersionRecord
	Attachment Attachment
	Mode       DeliveryMode
	// RedirectPath é o caminho interno quando Mode == DeliverInternalRedirect.
	RedirectPath string
	// Fingerprint do cliente, usado para escopo de banda por cliente.
	Fingerprint string
	// Counted indica se este pedido enfileirou incremento (false quando o
	// clique já tinha sido contado pela interface).
	Counted bool
}
