package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/store/memory"
)

type fakeObject struct {
	body string
	meta domain.BlobMeta
}

type fakeBlobs struct {
	objects   map[string]fakeObject
	multipart int
	failPut   error
	truncate  bool
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: map[string]fakeObject{}} }

func (f *fakeBlobs) Put(_ context.Context, path string, data io.Reader, meta domain.BlobMeta) error {
	if f.failPut != nil {
		return f.failPut
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.truncate {
		b = b[:len(b)/2]
	}
	f.objects[path] = fakeObject{body: string(b), meta: meta}
	return nil
}

func (f *fakeBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64, meta domain.BlobMeta) error {
	f.multipart++
	return f.Put(ctx, path, data, meta)
}

func (f *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	o, ok := f.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(o.body)), nil
}

func (f *fakeBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (f *fakeBlobs) Stat(_ context.Context, path string) (domain.BlobInfo, error) {
	o, ok := f.objects[path]
	if !ok {
		return domain.BlobInfo{}, domain.ErrNotFound
	}
	return domain.BlobInfo{Path: path, Size: int64(len(o.body)), Metadata: o.meta.Metadata}, nil
}

type tradeList []domain.Trade

func (t tradeList) GetTrade(context.Context, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}

func (t tradeList) GetTradeByIdempotencyKey(context.Context, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}

func (t tradeList) ListByBuyer(context.Context, string, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (t tradeList) ListByListing(context.Context, string, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (t tradeList) ListBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, tr := range t {
		if tr.ExecutedAt.Before(before) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiveTrades(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	trades := tradeList{
		{ID: "t1", ListingID: "l1", Quantity: decimal.NewFromInt(15), ExecutedAt: cutoff.Add(-48 * time.Hour)},
		{ID: "t2", ListingID: "l1", Quantity: decimal.NewFromInt(5), ExecutedAt: cutoff.Add(-time.Hour)},
		{ID: "t3", ListingID: "l1", Quantity: decimal.NewFromInt(1), ExecutedAt: cutoff.Add(time.Hour)},
	}
	blobs := newFakeBlobs()
	audit := memory.NewAuditStore()

	var counted int64
	a := NewArchiver(blobs, blobs, trades, audit, ArchiverConfig{
		OnArchive: func(kind string, rows int64) { counted += rows },
	}, discard())

	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), counted)

	obj, ok := blobs.objects["archive/trades/2026-03.jsonl"]
	require.True(t, ok)
	assert.Equal(t, ndjson, obj.meta.ContentType)
	assert.Equal(t, "2", obj.meta.Metadata["rows"])
	assert.Equal(t, "trades", obj.meta.Metadata["kind"])
	lines := strings.Split(strings.TrimSpace(obj.body), "\n")
	require.Len(t, lines, 2)
	var first domain.Trade
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "t1", first.ID)

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.trades", entries[0].Event)
}

func TestArchiveNothingToDo(t *testing.T) {
	blobs := newFakeBlobs()
	a := NewArchiver(blobs, nil, tradeList{}, memory.NewAuditStore(), ArchiverConfig{Prefix: "cold"}, discard())

	n, err := a.ArchiveTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestArchiveAuditMultipartAndFailure(t *testing.T) {
	ctx := context.Background()
	audit := memory.NewAuditStore()
	require.NoError(t, audit.Log(ctx, "trade.executed", map[string]any{"trade_id": "t1"}))
	require.NoError(t, audit.Log(ctx, "listing.filled", map[string]any{"listing_id": "l1"}))

	blobs := newFakeBlobs()
	a := NewArchiver(blobs, blobs, tradeList{}, audit, ArchiverConfig{Prefix: "cold", MultipartThreshold: 1}, discard())

	cutoff := time.Now().Add(time.Minute)
	n, err := a.ArchiveAudit(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, blobs.multipart)
	assert.Contains(t, blobs.objects, "cold/audit/"+cutoff.UTC().Format("2006-01")+".jsonl")

	blobs.failPut = errors.New("bucket gone")
	_, err = a.ArchiveAudit(ctx, cutoff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3blob: archive audit upload")
}

func TestArchiveVerifyCatchesShortObject(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	trades := tradeList{{ID: "t1", ListingID: "l1", Quantity: decimal.NewFromInt(15), ExecutedAt: cutoff.Add(-time.Hour)}}
	blobs := newFakeBlobs()
	blobs.truncate = true
	audit := memory.NewAuditStore()
	a := NewArchiver(blobs, blobs, trades, audit, ArchiverConfig{}, discard())

	_, err := a.ArchiveTrades(context.Background(), cutoff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive trades verify")

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
