// Package delivery sends documents through the supervised messaging session.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invoicewa/internal/journal"
	"invoicewa/internal/logging"
	"invoicewa/internal/session"
)

var (
	ErrNoDocument      = errors.New("request carries neither a file path nor inline content")
	ErrPayloadTooLarge = errors.New("inline document exceeds size limit")
)

// HandleSource yields the live handle while the session is ready.
type HandleSource interface {
	ActiveHandle() (session.Handle, error)
}

// Recorder stores delivery outcomes.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Config configures the gateway.
type Config struct {
	CountryCode    string
	SpoolDir       string
	MaxInlineBytes int64
}

// Request is one outbound document. Either FilePath or Content is set.
type Request struct {
	Destination string
	FilePath    string
	Content     []byte
	FileName    string
	Caption     string

	// Temporary marks FilePath for deletion once the attempt finishes.
	Temporary bool
}

// Receipt describes a completed delivery.
type Receipt struct {
	ID          string        `json:"id"`
	Destination string        `json:"destination"`
	FileName    string        `json:"fileName"`
	SentAt      time.Time     `json:"sentAt"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Gateway forwards documents to the active handle.
type Gateway struct {
	cfg      Config
	src      HandleSource
	recorder Recorder
	metrics  *Metrics
	logger   *zap.Logger
}

// NewGateway creates a gateway. recorder and metrics may be nil.
func NewGateway(cfg Config, src HandleSource, recorder Recorder, metrics *Metrics) *Gateway {
	return &Gateway{
		cfg:      cfg,
		src:      src,
		recorder: recorder,
		metrics:  metrics,
		logger:   logging.Get(logging.CategoryDelivery),
	}
}

// SendDocument delivers req through the ready session. Temporary files
// are removed whatever the outcome.
func (g *Gateway) SendDocument(ctx context.Context, req Request) (Receipt, error) {
	id := uuid.NewString()
	started := time.Now()
	entry := journal.Entry{
		ID:          id,
		Destination: req.Destination,
		FileName:    documentName(req),
		Caption:     req.Caption,
		CreatedAt:   started,
	}
	log := g.logger.With(zap.String("delivery_id", id))

	var spoolDir string
	defer func() {
		if req.Temporary && req.FilePath != "" {
			removeTemporary(log, req.FilePath)
		}
		if spoolDir != "" {
			if err := os.RemoveAll(spoolDir); err != nil {
				log.Warn("failed to remove spool dir", zap.String("dir", spoolDir), zap.Error(err))
			}
		}
	}()

	receipt, err := g.send(ctx, id, req, &entry, &spoolDir)
	entry.Elapsed = time.Since(started)
	entry.Status = outcome(err)
	if err != nil {
		entry.Error = err.Error()
		log.Warn("document delivery failed", zap.String("status", entry.Status), zap.Error(err))
	} else {
		receipt.Elapsed = entry.Elapsed
		log.Info("document delivered",
			zap.String("destination", receipt.Destination),
			zap.Duration("elapsed", receipt.Elapsed))
	}

	elapsed := time.Duration(0)
	if err == nil {
		elapsed = entry.Elapsed
	}
	g.metrics.observe(entry.Status, elapsed)
	g.record(ctx, entry)
	return receipt, err
}

func (g *Gateway) send(ctx context.Context, id string, req Request, entry *journal.Entry, spoolDir *string) (Receipt, error) {
	h, err := g.src.ActiveHandle()
	if err != nil {
		return Receipt{}, err
	}

	dest, err := NormalizeDestination(req.Destination, g.cfg.CountryCode)
	if err != nil {
		return Receipt{}, err
	}
	entry.Destination = dest

	path := req.FilePath
	if path == "" {
		if req.Content == nil {
			return Receipt{}, ErrNoDocument
		}
		spooled, dir, err := g.spool(id, req)
		*spoolDir = dir
		if err != nil {
			return Receipt{}, err
		}
		path = spooled
	}

	doc := session.Document{Path: path, FileName: filepath.Base(path), Caption: req.Caption}
	if err := h.Send(ctx, dest, doc); err != nil {
		return Receipt{}, err
	}
	return Receipt{
		ID:          id,
		Destination: dest,
		FileName:    doc.FileName,
		SentAt:      time.Now(),
	}, nil
}

// spool writes inline content to <spool>/<id>/<name> so the attachment
// keeps its display name.
func (g *Gateway) spool(id string, req Request) (path, dir string, err error) {
	if g.cfg.MaxInlineBytes > 0 && int64(len(req.Content)) > g.cfg.MaxInlineBytes {
		return "", "", fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(req.Content), g.cfg.MaxInlineBytes)
	}

	dir = filepath.Join(g.spoolRoot(), id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create spool dir: %w", err)
	}
	path = filepath.Join(dir, documentName(req))
	if err := os.WriteFile(path, req.Content, 0o600); err != nil {
		return "", dir, fmt.Errorf("spool document: %w", err)
	}
	return path, dir, nil
}

func (g *Gateway) spoolRoot() string {
	if g.cfg.SpoolDir != "" {
		return g.cfg.SpoolDir
	}
	return filepath.Join(os.TempDir(), "invoicewa-spool")
}

func (g *Gateway) record(ctx context.Context, e journal.Entry) {
	if g.recorder == nil {
		return
	}
	// Recorded even when ctx is already cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.recorder.Record(rctx, e); err != nil {
		g.logger.Warn("failed to journal delivery", zap.String("delivery_id", e.ID), zap.Error(err))
	}
}

// removeTemporary deletes a caller-owned temporary document. Only a single
// regular file is ever removed; directories and symlinks are left alone.
func removeTemporary(log *zap.Logger, path string) {
	fi, err := os.Lstat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to stat temporary document", zap.String("path", path), zap.Error(err))
		}
		return
	}
	if !fi.Mode().IsRegular() {
		log.Warn("refusing to remove temporary path that is not a regular file",
			zap.String("path", path), zap.Stringer("mode", fi.Mode()))
		return
	}
	if err := os.Remove(path); err != nil {
		log.Warn("failed to remove temporary document", zap.String("path", path), zap.Error(err))
	}
}

func documentName(req Request) string {
	name := req.FileName
	if name == "" && req.FilePath != "" {
		name = filepath.Base(req.FilePath)
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	return name
}

func outcome(err error) string {
	switch {
	case err == nil:
		return journal.StatusSent
	case errors.Is(err, session.ErrNotReady):
		return journal.StatusNotReady
	case errors.Is(err, session.ErrInvalidDestination):
		return journal.StatusInvalidDestination
	case errors.Is(err, session.ErrFileNotFound):
		return journal.StatusFileNotFound
	case errors.Is(err, session.ErrTransport):
		return journal.StatusTransportError
	}
	return journal.StatusError
}
