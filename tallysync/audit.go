package tallysync

import (
	"context"

	"github.com/mmdatafocus/tally_sync/models"
	"github.com/mmdatafocus/tally_sync/utils"
)

// DateMismatch is a stored voucher whose date is not what its raw payload normalizes to.
type DateMismatch struct {
	VoucherId     int    `json:"voucherId"`
	OwnerId       string `json:"ownerId"`
	VoucherNumber string `json:"voucherNumber"`
	StoredDate    string `json:"storedDate"`
	PayloadDate   string `json:"payloadDate"`
	Reason        string `json:"reason,omitempty"`
}

type DateAudit struct {
	Checked    int            `json:"checked"`
	Mismatches []DateMismatch `json:"mismatches"`
}

// AuditDates replays every stored payload of ownerId through Normalize and reports vouchers
// whose stored date differs. It only reads.
func AuditDates(ctx context.Context, repo *models.VoucherRepository, ownerId string) (*DateAudit, error) {
	owner := CanonicalOwnerID(ownerId)
	ctx = utils.SetOwnerIdInContext(ctx, owner)
	audit := &DateAudit{Mismatches: []DateMismatch{}}

	err := repo.EachVoucher(ctx, owner, 500, func(batch []models.Voucher) error {
		for _, stored := range batch {
			audit.Checked++
			m := DateMismatch{
				VoucherId:     stored.ID,
				OwnerId:       stored.OwnerId,
				VoucherNumber: stored.VoucherNumber,
				StoredDate:    voucherDay(stored.VoucherDate),
			}
			raw, err := DecodeRawVoucher(stored.RawPayload)
			if err != nil {
				m.Reason = "raw payload is not valid JSON: " + err.Error()
				audit.Mismatches = append(audit.Mismatches, m)
				continue
			}
			replayed, err := Normalize(raw, stored.OwnerId)
			if err != nil {
				m.PayloadDate = str(raw, fieldDate)
				m.Reason = err.Error()
				audit.Mismatches = append(audit.Mismatches, m)
				continue
			}
			m.PayloadDate = voucherDay(replayed.VoucherDate)
			if m.PayloadDate != m.StoredDate {
				audit.Mismatches = append(audit.Mismatches, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audit, nil
}
