package extract

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/credits-etl/internal/model"
)

// OpenXLSX opens the named sheet (or the first sheet) of an XLSX workbook as
// a Source. The first row is the header.
func OpenXLSX(path, sheetName string) (*RecordSource, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, model.NewError(model.KindStructuralInput, "extract: open xlsx", err)
	}

	sheet, err := getSheet(f, sheetName)
	if err != nil {
		return nil, model.NewError(model.KindStructuralInput, "extract: open xlsx", err)
	}

	rows := &sheetReader{rows: sheet.Rows}
	header, err := rows.Read()
	if err == io.EOF {
		return nil, model.NewError(model.KindStructuralInput, "extract: read header", eris.New("sheet is empty"))
	}

	return newRecordSource(rows, header)
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("workbook has no sheets")
	}
	return f.Sheets[0], nil
}

// sheetReader adapts worksheet rows to csvutil.Reader.
type sheetReader struct {
	rows []*xlsx.Row
	pos  int
}

func (r *sheetReader) Read() ([]string, error) {
	if r.pos >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.pos]
	r.pos++

	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells, nil
}
