package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// parseJSON reads an array of flat objects. Headers are the union of keys
// in first-seen order; non-string scalars are formatted as text. Objects
// are walked token by token because maps lose key order.
func parseJSON(data []byte) (*Sheet, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}

	sheet := &Sheet{}
	seen := make(map[string]bool)
	for n := 0; dec.More(); n++ {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, eris.Wrapf(err, "json: row %d", n+1)
		}
		row := Row{Number: n + 2, Data: make(map[string]string)}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, eris.Wrap(err, "json: read key")
			}
			key := strings.TrimSpace(tok.(string))

			var val any
			if err := dec.Decode(&val); err != nil {
				return nil, eris.Wrapf(err, "json: row %d field %q", n+1, key)
			}
			if !seen[key] {
				seen[key] = true
				sheet.Headers = append(sheet.Headers, key)
			}
			switch v := val.(type) {
			case nil:
			case string:
				row.Data[key] = strings.TrimSpace(v)
			case json.Number, bool:
				row.Data[key] = fmt.Sprint(v)
			default:
				return nil, eris.Errorf("json: row %d field %q is not a scalar", n+1, key)
			}
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		if !blankMap(row.Data) {
			sheet.Rows = append(sheet.Rows, row)
		}
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return sheet, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "json: read token")
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return eris.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}

func blankMap(m map[string]string) bool {
	for _, v := range m {
		if v != "" {
			return false
		}
	}
	return true
}
