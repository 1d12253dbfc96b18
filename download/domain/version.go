package domain

import (
	"context"
	"time"
)

type VersionStatus string

const (
	VersionActive  VersionStatus = "active"
	VersionRemoved VersionStatus = "removed"
)

// VersionRecord é a visão de uma versão resolvida pelo Version Lookup.
type VersionRecord struct {
	ID            int64
	ItemID        int64
	AttachmentID  int64
	Status        VersionStatus
	UploadedAt    time.Time
	DownloadCount int64
}

// Attachment descreve o arquivo físico por trás de uma versão.
type Attachment struct {
	ID        int64
	Path      string
	PublicURL string
	Filename  string
	MimeType  string
	Size      int64
}

// VersionLookup é o colaborador externo que resolve versões e anexos.
//
// Version retorna ErrNotFound quando a versão não existe e ErrGone quando
// existiu mas foi removida. Attachment retorna ErrNotFound quando ausente.
type VersionLookup interface {
	Version(ctx context.Context, versionID int64) (VersionRecord, error)
	Attachment(ctx context.Context, attachmentID int64) (Attachment, error)
}
