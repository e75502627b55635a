// Package fetcher retrieves lead files from local paths, HTTP and FTP and
// parses CSV, TSV, XLSX and JSON into header-keyed rows.
package fetcher

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnsupportedFormat is returned for file types ParseFile cannot read.
var ErrUnsupportedFormat = eris.New("fetcher: unsupported file format")

// Row is one data row keyed by header. Number is the 1-based record
// position in the source sheet, header included, so the first row under the
// header is 2.
type Row struct {
	Number int               `json:"row"`
	Data   map[string]string `json:"data"`
}

// Sheet is a parsed lead file.
type Sheet struct {
	Headers []string `json:"headers"`
	Rows    []Row    `json:"rows"`
}

// Format names a supported file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// DetectFormat picks a format from the file extension, sniffing the first
// line of .txt files for tabs.
func DetectFormat(data []byte, filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".tsv", ".tab":
		return FormatTSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	case ".txt", "":
		first, _, _ := bytes.Cut(data, []byte("\n"))
		if bytes.Count(first, []byte("\t")) > bytes.Count(first, []byte(",")) {
			return FormatTSV, nil
		}
		return FormatCSV, nil
	}
	return "", eris.Wrapf(ErrUnsupportedFormat, "fetcher: %s", filepath.Base(filename))
}

// ParseFile parses data according to the format implied by filename.
// Fully blank rows are dropped.
func ParseFile(data []byte, filename string) (*Sheet, error) {
	format, err := DetectFormat(data, filename)
	if err != nil {
		return nil, err
	}

	var records [][]string
	switch format {
	case FormatCSV:
		records, err = readDelimited(data, ',')
	case FormatTSV:
		records, err = readDelimited(data, '\t')
	case FormatXLSX:
		records, err = readXLSX(data)
	case FormatJSON:
		return parseJSON(data)
	}
	if err != nil {
		return nil, err
	}
	return fromRecords(records)
}

// fromRecords treats the first non-blank record as the header row.
func fromRecords(records [][]string) (*Sheet, error) {
	headerAt := -1
	for i, rec := range records {
		if !blank(rec) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, eris.New("fetcher: file has no header row")
	}

	headers := make([]string, len(records[headerAt]))
	for i, h := range records[headerAt] {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	sheet := &Sheet{Headers: headers}
	for i := headerAt + 1; i < len(records); i++ {
		rec := records[i]
		if blank(rec) {
			continue
		}
		data := make(map[string]string, len(headers))
		for j, h := range headers {
			if h == "" || j >= len(rec) {
				continue
			}
			data[h] = strings.TrimSpace(rec[j])
		}
		sheet.Rows = append(sheet.Rows, Row{Number: i + 1, Data: data})
	}
	return sheet, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
