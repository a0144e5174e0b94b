package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// SyncSettings tunes the voucher sync engine. Every field has an env override:
//
//   - TALLY_SYNC_BATCH_DAYS            days per batch window (default 7)
//   - TALLY_SYNC_BATCH_RETRIES         retries per batch after the first attempt (default 3)
//   - TALLY_SYNC_RETRY_BACKOFF_MS      initial retry backoff, doubled per attempt (default 2000)
//   - TALLY_SYNC_MAX_RUN_MINUTES       hard wall-clock ceiling per run (default 360)
//   - TALLY_SYNC_MAX_STATUS_ERRORS     errors kept in the polled status (default 50)
//   - TALLY_SYNC_DEFAULT_LOOKBACK_DAYS range used when a trigger names none (default 30)
//   - TALLY_SYNC_MAX_RANGE_DAYS        widest range a trigger may request (default 1100)
//   - TALLY_SYNC_UPLOAD_SOURCE         provenance tag written on inserted vouchers
//   - TALLY_SYNC_EVENTS_TOPIC          Pub/Sub topic for run-finished events (optional)
//   - TALLY_SYNC_ARCHIVE_BUCKET        GCS bucket for raw batch archives (optional)
type SyncSettings struct {
	BatchDays       int           `validate:"min=1,max=366"`
	BatchRetries    int           `validate:"min=0,max=20"`
	RetryBackoff    time.Duration `validate:"min=0"`
	MaxRunDuration  time.Duration `validate:"gt=0"`
	MaxStatusErrors int           `validate:"min=1,max=1000"`
	DefaultLookback int           `validate:"min=1"`
	MaxRangeDays    int           `validate:"min=1"`
	UploadSource    string        `validate:"required,max=50"`
	EventsTopic     string
	ArchiveBucket   string
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		BatchDays:       7,
		BatchRetries:    3,
		RetryBackoff:    2 * time.Second,
		MaxRunDuration:  6 * time.Hour,
		MaxStatusErrors: 50,
		DefaultLookback: 30,
		MaxRangeDays:    1100,
		UploadSource:    "tally_sync",
	}
}

// LoadSyncSettings reads SyncSettings from the environment and validates the result.
func LoadSyncSettings() (SyncSettings, error) {
	s := DefaultSyncSettings()
	s.BatchDays = intFromEnv("TALLY_SYNC_BATCH_DAYS", s.BatchDays)
	s.BatchRetries = intFromEnv("TALLY_SYNC_BATCH_RETRIES", s.BatchRetries)
	s.RetryBackoff = time.Duration(intFromEnv("TALLY_SYNC_RETRY_BACKOFF_MS", int(s.RetryBackoff/time.Millisecond))) * time.Millisecond
	s.MaxRunDuration = time.Duration(intFromEnv("TALLY_SYNC_MAX_RUN_MINUTES", int(s.MaxRunDuration/time.Minute))) * time.Minute
	s.MaxStatusErrors = intFromEnv("TALLY_SYNC_MAX_STATUS_ERRORS", s.MaxStatusErrors)
	s.DefaultLookback = intFromEnv("TALLY_SYNC_DEFAULT_LOOKBACK_DAYS", s.DefaultLookback)
	s.MaxRangeDays = intFromEnv("TALLY_SYNC_MAX_RANGE_DAYS", s.MaxRangeDays)
	if v := strings.TrimSpace(os.Getenv("TALLY_SYNC_UPLOAD_SOURCE")); v != "" {
		s.UploadSource = v
	}
	s.EventsTopic = strings.TrimSpace(os.Getenv("TALLY_SYNC_EVENTS_TOPIC"))
	s.ArchiveBucket = strings.TrimSpace(os.Getenv("TALLY_SYNC_ARCHIVE_BUCKET"))

	if err := s.Validate(); err != nil {
		return SyncSettings{}, err
	}
	return s, nil
}

func (s SyncSettings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid sync settings: %w", err)
	}
	return nil
}
