package bulk

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"signflow/signature"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportRecord is one exported request.
type ExportRecord struct {
	Request signature.Request  `json:"request"`
	Signers []signature.Signer `json:"signers"`
}

// ExportPayload carries the exported records and their serialized form.
type ExportPayload struct {
	Format  string         `json:"format"`
	Records []ExportRecord `json:"records"`
	Data    string         `json:"data"`
}

var csvHeader = []string{
	"id", "title", "status", "signing_order", "initiator_id",
	"total_signers", "completed_signers", "created_at", "expires_at", "completed_at", "signers",
}

// buildPayload serializes records. An unknown format falls back to JSON.
func buildPayload(format string, records []ExportRecord) (ExportPayload, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != FormatCSV {
		format = FormatJSON
	}

	var (
		data []byte
		err  error
	)
	if format == FormatCSV {
		data, err = encodeCSV(records)
	} else {
		data, err = json.Marshal(records)
	}
	if err != nil {
		return ExportPayload{}, err
	}
	return ExportPayload{Format: format, Records: records, Data: string(data)}, nil
}

func encodeCSV(records []ExportRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, rec := range records {
		r := rec.Request
		signers := make([]string, len(rec.Signers))
		for i, s := range rec.Signers {
			signers[i] = s.Email + ":" + string(s.Status)
		}
		completedAt := ""
		if r.CompletedAt != nil {
			completedAt = r.CompletedAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			r.ID,
			r.Title,
			string(r.Status),
			string(r.SigningOrder),
			r.InitiatorID,
			strconv.Itoa(r.TotalSigners),
			strconv.Itoa(r.CompletedSigners),
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.ExpiresAt.UTC().Format(time.RFC3339),
			completedAt,
			strings.Join(signers, ";"),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
