package storage

import (
	"autoria-ingest/models"
	"autoria-ingest/utils"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// csvHeader follows the column names of the cars table.
var csvHeader = []string{
	"url", "title", "price_usd", "odometer", "username", "phone_number",
	"image_url", "images_count", "car_number", "car_vin",
	"fuel_type", "transmission", "engine_volume", "drive_type",
	"datetime_found", "last_seen_at",
}

// CSVWriter saves records to a CSV file.
type CSVWriter struct {
	path string
}

func NewCSVWriter(path string) *CSVWriter {
	return &CSVWriter{path: path}
}

func (w *CSVWriter) Path() string { return w.path }

// Write saves all records to the CSV file, creating the output directory if
// needed. Unobserved fields are written as empty cells. A partially written
// file is removed.
func (w *CSVWriter) Write(records []models.Record) (err error) {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("could not create output dir: %w", err)
	}

	file, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", w.path, cerr)
		}
		if err != nil {
			os.Remove(w.path)
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("csv write error: %w", err)
	}

	for _, r := range records {
		row := []string{
			r.URL,
			str(r.Title),
			num(r.PriceUSD),
			num(r.OdometerMeters),
			str(r.SellerName),
			num(r.PhoneNumber),
			str(r.ImageURL),
			num(r.ImagesCount),
			str(r.PlateNumber),
			str(r.VIN),
			str(r.FuelType),
			str(r.Transmission),
			str(r.EngineVolume),
			str(r.DriveType),
			stamp(r.FirstSeenAt),
			stamp(r.LastSeenAt),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("csv write error: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("csv write error: %w", err)
	}

	utils.Success("Saved %d records → %s", len(records), w.path)
	return nil
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func num(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
