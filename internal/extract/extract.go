// Package extract reads raw credit activity rows from CSV or XLSX files.
package extract

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/model"
)

// Source yields raw records one at a time. Next returns io.EOF once the
// input is exhausted.
type Source interface {
	Next() (model.RawRecord, error)
	Close() error
}

// Options configures how a source file is opened.
type Options struct {
	// Sheet selects an XLSX worksheet by name. Empty means the first sheet.
	Sheet string
}

// firstPassLayouts are tried by the extractor before the transformer's tiered
// reconciliation runs. Anything else is left for the transformer.
var firstPassLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// Open opens path as a CSV source, or as an XLSX source when the extension is
// .xlsx. The header must contain every column in model.Columns.
func Open(path string, opts Options) (Source, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return OpenXLSX(path, opts.Sheet)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, model.NewError(model.KindStructuralInput, "extract: open source", err)
	}

	src, err := NewCSV(f)
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}
	src.closer = f
	return src, nil
}

// NewCSV returns a Source decoding CSV from r. The header row is read
// immediately.
func NewCSV(r io.Reader) (*RecordSource, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err == io.EOF {
		return nil, model.NewError(model.KindStructuralInput, "extract: read header", eris.New("source is empty"))
	}
	if err != nil {
		return nil, model.NewError(model.KindStructuralInput, "extract: read header", err)
	}

	return newRecordSource(reader, header)
}

// RecordSource decodes rows into model.RawRecord with csvutil. It serves
// both CSV and XLSX input.
type RecordSource struct {
	dec    *csvutil.Decoder
	closer io.Closer
	line   int
	parsed int
	log    *zap.Logger
}

func newRecordSource(r csvutil.Reader, header []string) (*RecordSource, error) {
	header = normalizeHeader(header)
	if missing := missingColumns(header); len(missing) > 0 {
		return nil, model.NewError(model.KindStructuralInput, "extract: check header",
			eris.Errorf("missing required columns: %s", strings.Join(missing, ", ")))
	}

	dec, err := csvutil.NewDecoder(&paddedReader{r: r, width: len(header)}, header...)
	if err != nil {
		return nil, model.NewError(model.KindStructuralInput, "extract: create decoder", err)
	}

	return &RecordSource{
		dec: dec,
		log: zap.L().With(zap.String("component", "extract.source")),
	}, nil
}

// Next decodes the next row.
func (s *RecordSource) Next() (model.RawRecord, error) {
	var rec model.RawRecord
	if err := s.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return rec, io.EOF
		}
		return rec, model.NewError(model.KindStructuralInput, "extract: decode row", err)
	}
	s.line++
	rec.Line = s.line

	blankToNil(&rec.OrgID)
	blankToNil(&rec.UserID)
	blankToNil(&rec.CreditType)
	blankToNil(&rec.Action)
	blankToNil(&rec.Credits)
	blankToNil(&rec.Timestamp)

	if rec.Timestamp != nil {
		if ts, ok := parseFirstPass(*rec.Timestamp); ok {
			rec.ParsedTimestamp = &ts
			s.parsed++
		}
	}
	return rec, nil
}

// Close releases the underlying file, if any.
func (s *RecordSource) Close() error {
	s.log.Debug("source closed", zap.Int("rows", s.line), zap.Int("timestamps_parsed", s.parsed))
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ReadAll drains src into a slice.
func ReadAll(src Source) ([]model.RawRecord, error) {
	var out []model.RawRecord
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

func parseFirstPass(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range firstPassLayouts {
		if ts, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func blankToNil(p **string) {
	if *p != nil && strings.TrimSpace(**p) == "" {
		*p = nil
	}
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		// Excel-exported CSVs often carry a UTF-8 BOM on the first cell.
		h = strings.TrimPrefix(h, "\ufeff")
		out[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return out
}

func missingColumns(header []string) []string {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for _, col := range model.Columns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	return missing
}

// paddedReader pads or truncates every record to the header width so that
// ragged rows decode with absent trailing cells.
type paddedReader struct {
	r     csvutil.Reader
	width int
}

func (p *paddedReader) Read() ([]string, error) {
	rec, err := p.r.Read()
	if err != nil {
		return nil, err
	}
	switch {
	case len(rec) < p.width:
		padded := make([]string, p.width)
		copy(padded, rec)
		return padded, nil
	case len(rec) > p.width:
		return rec[:p.width], nil
	}
	return rec, nil
}
