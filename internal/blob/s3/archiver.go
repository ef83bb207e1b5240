package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/leafline/greenledger/internal/domain"
)

const ndjson = "application/x-ndjson"

// Archiver copies trade-log and audit rows older than a cutoff into
// monthly JSONL objects. Rows are not deleted from the primary store.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	trades    domain.TradeStore
	audit     domain.AuditStore
	prefix    string
	partSize  int64
	logger    *slog.Logger
	onArchive func(kind string, rows int64)
}

var _ domain.Archiver = (*Archiver)(nil)

// ArchiverConfig tunes where and how archives are written.
type ArchiverConfig struct {
	// Prefix is prepended to every object key, e.g. "archive".
	Prefix string
	// MultipartThreshold switches to multipart upload above this many bytes.
	// Zero means always use a single PutObject.
	MultipartThreshold int64
	// OnArchive, when set, is called with the row count of every upload.
	OnArchive func(kind string, rows int64)
}

// NewArchiver builds an Archiver. reader may be nil, in which case uploads
// are not verified.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, trades domain.TradeStore, audit domain.AuditStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "archive"
	}
	onArchive := cfg.OnArchive
	if onArchive == nil {
		onArchive = func(string, int64) {}
	}
	return &Archiver{
		writer:    writer,
		reader:    reader,
		trades:    trades,
		audit:     audit,
		prefix:    prefix,
		partSize:  cfg.MultipartThreshold,
		logger:    logger.With(slog.String("component", "archiver")),
		onArchive: onArchive,
	}
}

// ArchiveTrades uploads every trade executed before the cutoff.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	return archiveRows(ctx, a, "trades", before, trades)
}

// ArchiveAudit uploads every audit entry written before the cutoff.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return archiveRows(ctx, a, "audit", before, entries)
}

func archiveRows[T any](ctx context.Context, a *Archiver, kind string, before time.Time, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	count := int64(len(rows))
	path := a.path(kind, before)
	meta := domain.BlobMeta{
		ContentType: ndjson,
		Metadata: map[string]string{
			"kind":   kind,
			"rows":   strconv.FormatInt(count, 10),
			"cutoff": before.UTC().Format(time.RFC3339),
		},
	}
	if a.partSize > 0 && int64(len(buf)) > a.partSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.partSize, meta)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), meta)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	if a.reader != nil {
		if err := a.verify(ctx, path, int64(len(buf)), meta.Metadata["rows"]); err != nil {
			return 0, fmt.Errorf("s3blob: archive %s verify: %w", kind, err)
		}
	}

	a.onArchive(kind, count)

	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}

	a.logger.InfoContext(ctx, "archived rows",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
	)
	return count, nil
}

// verify checks that the stored object has the size and row count that were
// uploaded.
func (a *Archiver) verify(ctx context.Context, path string, size int64, rows string) error {
	info, err := a.reader.Stat(ctx, path)
	if err != nil {
		return err
	}
	if info.Size != size {
		return fmt.Errorf("%s: stored %d bytes, uploaded %d", path, info.Size, size)
	}
	if got := info.Metadata["rows"]; got != rows {
		return fmt.Errorf("%s: stored rows %q, uploaded %q", path, got, rows)
	}
	return nil
}

// path partitions archives by the cutoff's month:
//
//	archive/trades/2026-01.jsonl
func (a *Archiver) path(kind string, before time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", a.prefix, kind, before.UTC().Format("2006-01"))
}

func marshalJSONL[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(rows[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
