package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"download-gateway/download/domain"
)

const (
	DefaultChunkSize      = 8192
	DefaultRedirectHeader = "X-Accel-Redirect"
)

// Server é a parte do Gate usada pelo endpoint de arquivo.
type Server interface {
	Serve(ctx context.Context, req domain.DownloadRequest) (domain.Delivery, error)
}

// SlotAcquirer limita streams simultâneos (ErrBusy quando não há vaga).
type SlotAcquirer interface {
	Acquire(ctx context.Context) (func(), error)
}

// BandwidthLimiter espera até poder enviar n bytes para a chave.
type BandwidthLimiter interface {
	WaitN(ctx context.Context, key string, n int) error
}

// ByteCounter recebe os bytes efetivamente transmitidos.
type ByteCounter interface {
	AddBytes(n int64)
}

type FileOptions struct {
	Gate      Server
	Slots     SlotAcquirer
	Bandwidth BandwidthLimiter
	Outcomes  domain.OutcomeStore
	Bytes     ByteCounter
	ClientFn  ClientFunc
	// RedirectHeader é o header de redirect interno (padrão X-Accel-Redirect).
	RedirectHeader string
	ChunkSize      int
	Logger         *slog.Logger
}

// FileHandler atende GET /download-file/.
type FileHandler struct {
	opts FileOptions
}

func NewFileHandler(opts FileOptions) *FileHandler {
	if opts.ClientFn == nil {
		opts.ClientFn = DefaultClientFunc("", false)
	}
	if opts.RedirectHeader == "" {
		opts.RedirectHeader = DefaultRedirectHeader
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FileHandler{opts: opts}
}

func (h *FileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	securityHeaders(w.Header())

	req, err := parseDownloadRequest(r, h.opts.ClientFn)
	if err != nil {
		h.record(ctx, req, domain.Delivery{}, writeError(w, r, err))
		return
	}

	// a vaga vem antes do gate: um 503 não pode consumir token nem contar
	release := func() {}
	if h.opts.Slots != nil {
		release, err = h.opts.Slots.Acquire(ctx)
		if err != nil {
			h.reject(w, r, req, err)
			return
		}
	}
	defer func() { release() }()

	d, err := h.opts.Gate.Serve(ctx, req)
	if err != nil {
		h.reject(w, r, req, err)
		return
	}

	if d.Mode == domain.DeliverInternalRedirect {
		release()
		release = func() {}
		w.Header().Set("Content-Disposition", attachmentDisposition(d.Attachment))
		w.Header().Set("Content-Type", contentType(d.Attachment))
		w.Header().Set(h.opts.RedirectHeader, d.RedirectPath)
		w.WriteHeader(http.StatusOK)
		h.record(ctx, req, d, http.StatusOK)
		return
	}

	f, err := os.Open(d.Attachment.Path)
	if err != nil {
		if d.Attachment.PublicURL != "" {
			h.opts.Logger.WarnContext(ctx, "download open failed, redirecting to public url",
				"version_id", d.Version.ID, "err", err)
			http.Redirect(w, r, d.Attachment.PublicURL, http.StatusFound)
			h.record(ctx, req, d, http.StatusFound)
			return
		}
		h.reject(w, r, req, fmt.Errorf("%w: open attachment %d: %v", domain.ErrStorageFailure, d.Attachment.ID, err))
		return
	}
	defer func() { _ = f.Close() }()

	size := d.Attachment.Size
	if size <= 0 {
		if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
			size = st.Size()
		}
	}

	w.Header().Set("Content-Disposition", attachmentDisposition(d.Attachment))
	w.Header().Set("Content-Type", contentType(d.Attachment))
	if size > 0 {
		w.Header().Set("Content-Length", formatInt(size))
	}
	w.WriteHeader(http.StatusOK)
	h.record(ctx, req, d, http.StatusOK)

	n, err := h.stream(ctx, w, f, d.Fingerprint)
	if h.opts.Bytes != nil {
		h.opts.Bytes.AddBytes(n)
	}
	if err != nil {
		// o contador já foi enfileirado; a conexão só termina
		h.opts.Logger.InfoContext(ctx, "download stream interrupted",
			"version_id", d.Version.ID, "bytes", n, "err", err)
	}
}

// stream copia o arquivo em chunks de tamanho fixo, esperando a banda do
// cliente antes de cada escrita.
func (h *FileHandler) stream(ctx context.Context, w http.ResponseWriter, src io.Reader, fingerprint string) (int64, error) {
	key := fingerprint
	if key == "" {
		key = "unknown"
	}
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, h.opts.ChunkSize)

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if h.opts.Bandwidth != nil {
				if err := h.opts.Bandwidth.WaitN(ctx, key, n); err != nil {
					return written, err
				}
			}
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (h *FileHandler) reject(w http.ResponseWriter, r *http.Request, req domain.DownloadRequest, err error) {
	status := writeError(w, r, err)
	if status >= http.StatusInternalServerError {
		h.opts.Logger.ErrorContext(r.Context(), "download failed", "version_id", req.VersionID, "status", status, "err", err)
	} else {
		h.opts.Logger.DebugContext(r.Context(), "download rejected", "version_id", req.VersionID, "status", status, "err", err)
	}
	h.record(r.Context(), req, domain.Delivery{}, status)
}

func (h *FileHandler) record(ctx context.Context, req domain.DownloadRequest, d domain.Delivery, status int) {
	if h.opts.Outcomes == nil {
		return
	}
	err := h.opts.Outcomes.Record(ctx, domain.GateEvent{
		VersionID: req.VersionID,
		Status:    status,
		NoJS:      req.NoJS,
		Counted:   d.Counted,
		At:        time.Now(),
	})
	if err != nil {
		h.opts.Logger.DebugContext(ctx, "outcome record failed", "err", err)
	}
}

func parseDownloadRequest(r *http.Request, clientFn ClientFunc) (domain.DownloadRequest, error) {
	q := r.URL.Query()
	req := domain.DownloadRequest{
		Token:  q.Get("token"),
		NoJS:   parseFlag(q.Get("nojs")),
		Client: clientFn(r),
	}
	id, ok := parseID(q.Get("vid"))
	if !ok {
		return req, fmt.Errorf("%w: vid must be a positive integer", domain.ErrInvalidInput)
	}
	req.VersionID = id
	return req, nil
}

func securityHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("X-Robots-Tag", "noindex, nofollow")
	h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
}

func attachmentDisposition(a domain.Attachment) string {
	name := a.Filename
	if name == "" {
		name = filepath.Base(a.Path)
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

func contentType(a domain.Attachment) string {
	if a.MimeType != "" {
		return a.MimeType
	}
	if t := mime.TypeByExtension(filepath.Ext(a.Filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}
