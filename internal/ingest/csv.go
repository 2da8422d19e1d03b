// Package ingest loads actual daily sales from CSV exports into the store.
package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-cli/internal/model"
)

// DefaultBatchSize is the number of rows sent to the store per upsert.
const DefaultBatchSize = 5000

// ActualsWriter persists observed rows.
type ActualsWriter interface {
	ImportActuals(ctx context.Context, obs []model.Observation) (int64, error)
}

// Result reports the outcome of an import.
type Result struct {
	Read     int   `json:"read"`
	Imported int64 `json:"imported"`
	Skipped  int   `json:"skipped"`
}

// saleDate decodes an ISO calendar date column.
type saleDate struct{ time.Time }

func (d *saleDate) UnmarshalText(b []byte) error {
	v := strings.TrimSpace(string(b))
	if v == "" {
		return nil
	}
	t, err := model.ParseDate(v)
	if err != nil {
		return eris.Wrapf(err, "ingest: parse sale_date %q", string(b))
	}
	d.Time = t
	return nil
}

// record is one CSV row. Column order does not matter; the header names the
// fields. An empty total_quantity decodes to nil.
type record struct {
	ASIN         string   `csv:"asin"`
	SalesChannel string   `csv:"sales_channel"`
	IWASKU       string   `csv:"iwasku,omitempty"`
	SaleDate     saleDate `csv:"sale_date"`
	Quantity     *float64 `csv:"total_quantity,omitempty"`
}

func (r record) observation() (model.Observation, bool) {
	asin := strings.TrimSpace(r.ASIN)
	channel := strings.TrimSpace(r.SalesChannel)
	if asin == "" || channel == "" || r.SaleDate.IsZero() || r.Quantity == nil {
		return model.Observation{}, false
	}
	return model.Observation{
		ASIN:         asin,
		SalesChannel: channel,
		IWASKU:       strings.TrimSpace(r.IWASKU),
		SaleDate:     r.SaleDate.Time,
		Quantity:     *r.Quantity,
		Source:       model.SourceActual,
	}, true
}

var requiredColumns = []string{"asin", "sales_channel", "sale_date", "total_quantity"}

func checkHeader(header []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, c := range requiredColumns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("ingest: csv header missing columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ImportFile opens path and imports it. See Import.
func ImportFile(ctx context.Context, w ActualsWriter, path string, batchSize int) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open csv %s", path)
	}
	defer f.Close() //nolint:errcheck

	return Import(ctx, w, f, batchSize)
}

// Import decodes observations from r and upserts them in batches as actual
// rows. Rows missing a key column or the quantity are skipped and counted.
// A decode error aborts the import; batches already written stay written.
func Import(ctx context.Context, w ActualsWriter, r io.Reader, batchSize int) (*Result, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	log := zap.L().With(zap.String("component", "ingest.csv"))

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(reader)
	if err != nil {
		if err == io.EOF {
			return &Result{}, nil
		}
		return nil, eris.Wrap(err, "ingest: read header")
	}
	if err := checkHeader(dec.Header()); err != nil {
		return nil, err
	}

	res := &Result{}
	batch := make([]model.Observation, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := w.ImportActuals(ctx, batch)
		if err != nil {
			return eris.Wrapf(err, "ingest: write batch ending at row %d", res.Read)
		}
		res.Imported += n
		log.Debug("batch imported", zap.Int("rows", len(batch)), zap.Int64("total", res.Imported))
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "ingest: import cancelled")
		}

		var rec record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return res, eris.Wrapf(err, "ingest: decode row %d", res.Read+1)
		}
		res.Read++

		obs, ok := rec.observation()
		if !ok {
			res.Skipped++
			continue
		}
		batch = append(batch, obs)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}

	if err := flush(); err != nil {
		return res, err
	}

	log.Info("csv import complete",
		zap.Int("read", res.Read),
		zap.Int64("imported", res.Imported),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}
