package fetcher

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// readXLSX returns the cells of the first sheet that has any rows.
func readXLSX(data []byte) ([][]string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	for _, sheet := range f.Sheets {
		if len(sheet.Rows) == 0 {
			continue
		}
		records := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			records = append(records, rowToStrings(row))
		}
		return records, nil
	}
	return nil, eris.New("xlsx: workbook has no rows")
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
