package tallysync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/mmdatafocus/tally_sync/config"
	"github.com/mmdatafocus/tally_sync/utils"
	"github.com/sirupsen/logrus"
)

type gcsArchiver struct {
	client *storage.Client
	bucket string
}

// NewGCSArchiver keeps raw batches under gs://bucket/tally-sync/<owner>/<run>/. It returns nil
// when bucket is empty.
func NewGCSArchiver(ctx context.Context, bucket string) (BatchArchiver, error) {
	if bucket == "" {
		return nil, nil
	}
	client, err := utils.GetGCSClient(ctx)
	if err != nil {
		return nil, err
	}
	return &gcsArchiver{client: client, bucket: bucket}, nil
}

func archiveObjectName(ownerId, runId string, batchNo int, window DateRange) string {
	return fmt.Sprintf("tally-sync/%s/%s/batch-%04d_%s_%s.json",
		ownerId, runId, batchNo, FormatVoucherDate(window.From), FormatVoucherDate(window.To))
}

func (a *gcsArchiver) ArchiveBatch(ctx context.Context, ownerId string, runId string, batchNo int, window DateRange, records []RawVoucher) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"ownerId":  ownerId,
		"runId":    runId,
		"batchNo":  batchNo,
		"range":    window,
		"records":  records,
		"archived": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	name := archiveObjectName(ownerId, runId, batchNo, window)
	written, err := utils.WriteObjectOnce(ctx, a.client, a.bucket, name, body,
		"application/json", map[string]string{"owner": ownerId, "run": runId})
	if err != nil {
		return err
	}
	if !written {
		// A retried attempt of the same batch; the first fetch stays archived.
		config.GetLogger().WithFields(logrus.Fields{"module": "tallysync", "object": name}).Debug("batch already archived")
	}
	return nil
}
