// register-version grava (ou substitui) uma versão e o anexo por trás dela
// no mesmo banco usado pelo gateway. Útil para desenvolvimento e testes
// manuais do fluxo de download.
package main

import (
	"context"
	"flag"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"download-gateway/download/domain"
	"download-gateway/download/infra"

	"github.com/joho/godotenv"
)

func main() {
	var (
		versionID = flag.Int64("vid", 0, "version id")
		itemID    = flag.Int64("item", 0, "parent item id")
		attachID  = flag.Int64("attachment", 0, "attachment id (default: same as vid)")
		path      = flag.String("path", "", "file path on disk")
		publicURL = flag.String("public-url", "", "public fallback URL")
		filename  = flag.String("filename", "", "download file name (default: base of -path)")
		removed   = flag.Bool("removed", false, "mark the version as removed")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("failed to load .env: %v", err)
	}
	if *versionID <= 0 || *itemID <= 0 {
		log.Fatalf("-vid and -item must be positive")
	}
	if *attachID <= 0 {
		*attachID = *versionID
	}
	if *filename == "" && *path != "" {
		*filename = filepath.Base(*path)
	}

	a := domain.Attachment{
		ID:        *attachID,
		Path:      *path,
		PublicURL: *publicURL,
		Filename:  *filename,
		MimeType:  mime.TypeByExtension(filepath.Ext(*filename)),
	}
	if *path != "" {
		st, err := os.Stat(*path)
		if err != nil {
			log.Fatalf("stat %s: %v", *path, err)
		}
		a.Size = st.Size()
	}
	v := domain.VersionRecord{ID: *versionID, ItemID: *itemID, AttachmentID: a.ID, Status: domain.VersionActive, UploadedAt: time.Now().UTC()}
	if *removed {
		v.Status = domain.VersionRemoved
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialect := getenvDefault("DB_DRIVER", infra.DialectSQLite)
	db, err := infra.OpenDB(ctx, dialect, getenvDefault("DB_DSN", "downloads.db"))
	if err != nil {
		log.Fatalf("database error: %v", err)
	}
	defer func() { _ = db.Close() }()

	store, err := infra.NewSQLStore(ctx, db, dialect)
	if err != nil {
		log.Fatalf("schema error: %v", err)
	}
	if err := store.SaveVersion(ctx, v, a); err != nil {
		log.Fatalf("save version: %v", err)
	}
	log.Printf("registered version %d (item %d) -> %s", v.ID, v.ItemID, a.Filename)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
