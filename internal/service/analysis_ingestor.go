package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leafline/greenledger/internal/domain"
)

// AnalysisInput is the shape the analysis pipeline sends over HTTP and on the
// analyses stream. GreenCredits is optional; when absent it is scored from
// the canopy and air-quality figures.
type AnalysisInput struct {
	ID            string           `json:"id"`
	PlantationID  string           `json:"plantation_id"`
	TreeCount     int              `json:"tree_count"`
	TreeDensity   float64          `json:"tree_density"`
	NDVIMean      float64          `json:"ndvi_mean"`
	AQIPrediction float64          `json:"aqi_prediction"`
	GreenCredits  *decimal.Decimal `json:"green_credits,omitempty"`
	AnalyzedAt    time.Time        `json:"analyzed_at"`
}

// Analysis converts the input into a domain analysis. The raw figures are
// checked before scoring, so a bad message is ErrInvalidAnalysis rather than
// a bogus score.
func (in AnalysisInput) Analysis() (domain.Analysis, error) {
	if err := domain.ValidateScores(in.TreeCount, in.TreeDensity, in.NDVIMean, in.AQIPrediction); err != nil {
		return domain.Analysis{}, err
	}
	var credits decimal.Decimal
	if in.GreenCredits != nil {
		credits = *in.GreenCredits
	} else {
		scored, err := domain.ComputeGreenCredits(in.TreeCount, in.NDVIMean, in.AQIPrediction)
		if err != nil {
			return domain.Analysis{}, err
		}
		credits = scored
	}
	return domain.Analysis{
		ID:            in.ID,
		PlantationID:  in.PlantationID,
		TreeCount:     in.TreeCount,
		TreeDensity:   in.TreeDensity,
		NDVIMean:      in.NDVIMean,
		AQIPrediction: in.AQIPrediction,
		GreenCredits:  credits,
		AnalyzedAt:    in.AnalyzedAt,
	}, nil
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	Analysis         domain.Analysis `json:"analysis"`
	Minted           decimal.Decimal `json:"minted"`
	AlreadyProcessed bool            `json:"already_processed"`
}

var errAlreadyProcessed = errors.New("analysis already processed")

// AnalysisIngestor turns finished analyses into credits, exactly once per
// analysis id.
type AnalysisIngestor struct {
	uow    domain.UnitOfWork
	txlog  *TransactionLog
	obs    Observer
	now    func() time.Time
	logger *slog.Logger
}

// NewAnalysisIngestor creates an AnalysisIngestor. txlog and obs may be nil.
func NewAnalysisIngestor(uow domain.UnitOfWork, txlog *TransactionLog, obs Observer, logger *slog.Logger) *AnalysisIngestor {
	if obs == nil {
		obs = nopObserver{}
	}
	return &AnalysisIngestor{
		uow:    uow,
		txlog:  txlog,
		obs:    obs,
		now:    time.Now,
		logger: logger.With(slog.String("component", "analysis_ingestor")),
	}
}

// Ingest stores the analysis and mints its credits into the plantation's
// account in one unit of work. Re-ingesting a known id changes nothing and
// reports AlreadyProcessed.
func (i *AnalysisIngestor) Ingest(ctx context.Context, a domain.Analysis) (IngestResult, error) {
	if a.AnalyzedAt.IsZero() {
		a.AnalyzedAt = i.now().UTC()
	}
	if err := a.Validate(); err != nil {
		return IngestResult{}, fmt.Errorf("ingestor: %w", err)
	}

	account := domain.PlantationAccount(a.PlantationID)
	err := i.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertAnalysis(ctx, a); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return errAlreadyProcessed
			}
			return err
		}
		if !a.GreenCredits.IsPositive() {
			return nil
		}
		_, err := mintTx(ctx, tx, account, a.GreenCredits, a.ID)
		if errors.Is(err, domain.ErrDuplicateMint) {
			return errAlreadyProcessed
		}
		return err
	})

	switch {
	case errors.Is(err, errAlreadyProcessed):
		i.logger.DebugContext(ctx, "analysis already processed", slog.String("analysis_id", a.ID))
		return IngestResult{Analysis: a, Minted: decimal.Zero, AlreadyProcessed: true}, nil
	case err != nil:
		if domain.IsIntegrityFault(err) {
			i.obs.IntegrityFault("ingest")
			i.logger.ErrorContext(ctx, "ingest integrity fault",
				slog.String("analysis_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
		return IngestResult{}, fmt.Errorf("ingestor: ingest %s: %w", a.ID, err)
	}

	minted := decimal.Zero
	if a.GreenCredits.IsPositive() {
		minted = a.GreenCredits
		i.obs.CreditsMinted(minted)
		i.txlog.Record(ctx, domain.ChannelMints, EventCreditsMinted, domain.MintRecord{
			AnalysisID: a.ID,
			Account:    account,
			Amount:     minted,
			MintedAt:   i.now().UTC(),
		}, map[string]any{
			"analysis_id":   a.ID,
			"plantation_id": a.PlantationID,
			"amount":        minted.String(),
		})
	}

	i.logger.InfoContext(ctx, "analysis ingested",
		slog.String("analysis_id", a.ID),
		slog.String("plantation_id", a.PlantationID),
		slog.String("minted", minted.String()),
	)
	return IngestResult{Analysis: a, Minted: minted}, nil
}
