// Package audit periodically exports committed draw records to CSV and
// Parquet files for downstream analytics, mirroring the payment gateway
// reconciler's dual-write report pattern.
package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"github.com/foodloop/ulde/internal/models"
)

// Exporter periodically writes newly-committed DrawRecord rows to CSV and
// Parquet files under OutputDir, tracking the CreatedAt of the last exported
// row so later ticks only pick up rows created strictly after it. The mark
// is held in memory only: a newly constructed Exporter starts again from
// the first row.
type Exporter struct {
	db        *gorm.DB
	outputDir string
	flush     time.Duration
	now       func() time.Time

	lastExportedAt time.Time
}

// New constructs an Exporter. now defaults to time.Now.
func New(db *gorm.DB, outputDir string, flush time.Duration, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{db: db, outputDir: outputDir, flush: flush, now: now}
}

// Run blocks, exporting on every flush tick until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.flush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.exportOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Exporter) exportOnce(ctx context.Context) error {
	var records []models.DrawRecord
	query := e.db.WithContext(ctx).Order("created_at ASC")
	if !e.lastExportedAt.IsZero() {
		query = query.Where("created_at > ?", e.lastExportedAt)
	}
	if err := query.Find(&records).Error; err != nil {
		return fmt.Errorf("audit: load draw records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	runDir := filepath.Join(e.outputDir, e.now().Format("20060102_150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("audit: ensure output dir: %w", err)
	}

	if err := writeCSV(filepath.Join(runDir, "draws.csv"), records); err != nil {
		return err
	}
	if err := writeParquet(filepath.Join(runDir, "draws.parquet"), records); err != nil {
		return err
	}

	e.lastExportedAt = records[len(records)-1].CreatedAt
	return nil
}

func writeCSV(path string, records []models.DrawRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{
		"id", "user_id", "campaign_id", "idempotency_key", "outcome",
		"prize_id", "tier", "cost_asset_code", "cost_amount",
		"reward_asset_code", "reward_value", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}

	for _, r := range records {
		prizeID := ""
		if r.PrizeID != nil {
			prizeID = r.PrizeID.String()
		}
		row := []string{
			r.ID.String(),
			r.UserID.String(),
			r.CampaignID.String(),
			r.IdempotencyKey,
			string(r.Outcome),
			prizeID,
			string(r.Tier),
			r.CostAssetCode,
			strconv.FormatInt(r.CostAmount, 10),
			r.RewardAssetCode,
			strconv.FormatInt(r.RewardValue, 10),
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type parquetDrawRecord struct {
	ID              string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID          string `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CampaignID      string `parquet:"name=campaign_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	IdempotencyKey  string `parquet:"name=idempotency_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outcome         string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrizeID         string `parquet:"name=prize_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Tier            string `parquet:"name=tier, type=BYTE_ARRAY, convertedtype=UTF8"`
	CostAssetCode   string `parquet:"name=cost_asset_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	CostAmount      int64  `parquet:"name=cost_amount, type=INT64"`
	RewardAssetCode string `parquet:"name=reward_asset_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	RewardValue     int64  `parquet:"name=reward_value, type=INT64"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, records []models.DrawRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetDrawRecord), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 64 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range records {
		prizeID := ""
		if r.PrizeID != nil {
			prizeID = r.PrizeID.String()
		}
		pr := &parquetDrawRecord{
			ID:              r.ID.String(),
			UserID:          r.UserID.String(),
			CampaignID:      r.CampaignID.String(),
			IdempotencyKey:  r.IdempotencyKey,
			Outcome:         string(r.Outcome),
			PrizeID:         prizeID,
			Tier:            string(r.Tier),
			CostAssetCode:   r.CostAssetCode,
			CostAmount:      r.CostAmount,
			RewardAssetCode: r.RewardAssetCode,
			RewardValue:     r.RewardValue,
			CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
