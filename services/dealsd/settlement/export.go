// Package settlement exports closed deals for off-line reconciliation against
// the external escrow records.
package settlement

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"farmtrade/native/deal"
	"farmtrade/services/dealsd/models"
)

// Row is one closed deal in a settlement report.
type Row struct {
	DealID       string
	BatchID      string
	Status       deal.Status
	Buyer        string
	Seller       string
	Carrier      string
	SellerAmount string
	Freight      string
	PlatformFee  string
	TotalLocked  string
	Mask         deal.Mask
	LockRef      string
	PayoutRef    string
	ClosedAt     time.Time
}

// Report references the files produced by Export.
type Report struct {
	CSVPath     string
	ParquetPath string
	Checksum    string
	Count       int
}

func money(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.StringFixed(deal.MoneyPlaces)
}

// Collect returns the deals that reached a terminal status within [from, to),
// oldest first.
func Collect(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Row, error) {
	var deals []models.Deal
	err := db.WithContext(ctx).
		Where("status IN ? AND updated_at >= ? AND updated_at < ?", deal.TerminalStatuses(), from.UTC(), to.UTC()).
		Order("updated_at ASC").
		Find(&deals).Error
	if err != nil {
		return nil, fmt.Errorf("settlement: load deals: %w", err)
	}
	rows := make([]Row, 0, len(deals))
	for _, d := range deals {
		rows = append(rows, Row{
			DealID:       d.ID.String(),
			BatchID:      d.BatchID.String(),
			Status:       d.Status,
			Buyer:        d.Buyer,
			Seller:       d.Seller,
			Carrier:      d.Carrier,
			SellerAmount: d.SellerAmount.StringFixed(deal.MoneyPlaces),
			Freight:      money(d.FreightAmount),
			PlatformFee:  money(d.PlatformFee),
			TotalLocked:  money(d.TotalLocked),
			Mask:         d.Mask(),
			LockRef:      d.EscrowLockRef,
			PayoutRef:    d.EscrowPayoutRef,
			ClosedAt:     d.UpdatedAt.UTC(),
		})
	}
	return rows, nil
}

var csvHeader = []string{
	"deal_id", "batch_id", "status", "buyer", "seller", "carrier",
	"seller_amount", "freight_amount", "platform_fee", "total_locked",
	"signature_mask", "escrow_lock_ref", "escrow_payout_ref", "closed_at",
}

// RenderCSV renders rows and returns the payload with its SHA-256 checksum.
func RenderCSV(rows []Row) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	w := csv.NewWriter(buffer)
	if err := w.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			row.DealID,
			row.BatchID,
			string(row.Status),
			row.Buyer,
			row.Seller,
			row.Carrier,
			row.SellerAmount,
			row.Freight,
			row.PlatformFee,
			row.TotalLocked,
			row.Mask.String(),
			row.LockRef,
			row.PayoutRef,
			row.ClosedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// WriteCSV writes rows to path plus a path.sha256 sidecar in sha256sum format
// and returns the checksum.
func WriteCSV(path string, rows []Row) (string, error) {
	data, checksum, err := RenderCSV(rows)
	if err != nil {
		return "", fmt.Errorf("settlement: render csv: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("settlement: write csv: %w", err)
	}
	sidecar := checksum + "  " + filepath.Base(path) + "\n"
	if err := os.WriteFile(path+".sha256", []byte(sidecar), 0o644); err != nil {
		return "", fmt.Errorf("settlement: write checksum: %w", err)
	}
	return checksum, nil
}

type parquetRow struct {
	DealID       string `parquet:"name=deal_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BatchID      string `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer        string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller       string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Carrier      string `parquet:"name=carrier, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellerAmount string `parquet:"name=seller_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Freight      string `parquet:"name=freight_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	PlatformFee  string `parquet:"name=platform_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalLocked  string `parquet:"name=total_locked, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mask         int32  `parquet:"name=signature_mask, type=INT32"`
	LockRef      string `parquet:"name=escrow_lock_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayoutRef    string `parquet:"name=escrow_payout_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClosedAt     string `parquet:"name=closed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet writes rows to path with snappy compression.
func WriteParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			DealID:       row.DealID,
			BatchID:      row.BatchID,
			Status:       string(row.Status),
			Buyer:        row.Buyer,
			Seller:       row.Seller,
			Carrier:      row.Carrier,
			SellerAmount: row.SellerAmount,
			Freight:      row.Freight,
			PlatformFee:  row.PlatformFee,
			TotalLocked:  row.TotalLocked,
			Mask:         int32(row.Mask),
			LockRef:      row.LockRef,
			PayoutRef:    row.PayoutRef,
			ClosedAt:     row.ClosedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("settlement: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("settlement: close parquet: %w", err)
	}
	return nil
}

// Export collects the window and writes settlement-<from>.csv, its .sha256
// sidecar and settlement-<from>.parquet into dir.
func Export(ctx context.Context, db *gorm.DB, dir string, from, to time.Time) (*Report, error) {
	rows, err := Collect(ctx, db, from, to)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("settlement: create dir: %w", err)
	}
	base := filepath.Join(dir, "settlement-"+from.UTC().Format("20060102T150405Z"))
	report := &Report{
		CSVPath:     base + ".csv",
		ParquetPath: base + ".parquet",
		Count:       len(rows),
	}
	if report.Checksum, err = WriteCSV(report.CSVPath, rows); err != nil {
		return nil, err
	}
	if err := WriteParquet(report.ParquetPath, rows); err != nil {
		return nil, err
	}
	return report, nil
}
