// Package intake reads candidate lists from CSV, XLSX and JSON files and
// writes qualified leads back out.
package intake

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-qualifier/internal/model"
)

// ErrUnknownFormat is returned for files whose extension is not supported.
var ErrUnknownFormat = eris.New("intake: unknown file format")

// Format is an input or output file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", eris.Wrapf(ErrUnknownFormat, "intake: %s", path)
	}
}

// Record is one raw candidate as it appears in an input file or request.
type Record struct {
	Name     string `json:"name"`
	Domain   string `json:"domain,omitempty"`
	Region   string `json:"region,omitempty"`
	Vertical string `json:"vertical,omitempty"`
	Source   string `json:"discovery_source,omitempty"`
}

// Candidate converts the record. Values are trimmed but otherwise kept as
// given; normalization happens during identity resolution.
func (r Record) Candidate() model.Candidate {
	return model.Candidate{
		RawName:         strings.TrimSpace(r.Name),
		RawDomain:       strings.TrimSpace(r.Domain),
		Region:          strings.TrimSpace(r.Region),
		Vertical:        strings.TrimSpace(r.Vertical),
		DiscoverySource: strings.TrimSpace(r.Source),
	}
}

// Candidates converts a slice of records.
func Candidates(records []Record) []model.Candidate {
	out := make([]model.Candidate, len(records))
	for i, r := range records {
		out[i] = r.Candidate()
	}
	return out
}

// ReadFile reads candidates from path in the format its extension names.
func ReadFile(ctx context.Context, path string) ([]model.Candidate, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if format == FormatXLSX {
		return ReadXLSX(ctx, path, "")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	if format == FormatJSON {
		return ReadJSON(ctx, f)
	}
	return ReadCSV(ctx, f)
}

// ReadCSV reads a CSV file with a header row.
func ReadCSV(ctx context.Context, r io.Reader) ([]model.Candidate, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "intake: csv cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "intake: csv read row")
		}
		rows = append(rows, record)
	}
	return fromRows(rows)
}

// ReadXLSX reads the named sheet, or the first sheet when sheet is empty.
// The first row is the header.
func ReadXLSX(ctx context.Context, path, sheet string) ([]model.Candidate, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: open xlsx %s", path)
	}

	var s *xlsx.Sheet
	switch {
	case sheet != "":
		var ok bool
		if s, ok = f.Sheet[sheet]; !ok {
			return nil, eris.Errorf("intake: sheet %q not found", sheet)
		}
	case len(f.Sheets) == 0:
		return nil, eris.Errorf("intake: %s has no sheets", path)
	default:
		s = f.Sheets[0]
	}

	rows := make([][]string, 0, len(s.Rows))
	for _, row := range s.Rows {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "intake: xlsx cancelled")
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return fromRows(rows)
}

// ReadJSON reads a JSON array of records.
func ReadJSON(ctx context.Context, r io.Reader) ([]model.Candidate, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, eris.Wrap(err, "intake: json read opening token")
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, eris.Errorf("intake: json expected '[', got %v", tok)
	}

	out := []model.Candidate{}
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "intake: json cancelled")
		}
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(err, "intake: json decode record %d", len(out))
		}
		out = append(out, rec.Candidate())
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrap(err, "intake: json read closing token")
	}
	return out, nil
}

// headerAliases maps accepted column names onto record fields.
var headerAliases = map[string]string{
	"name":             "name",
	"business_name":    "name",
	"business":         "name",
	"company":          "name",
	"company_name":     "name",
	"domain":           "domain",
	"website":          "domain",
	"url":              "domain",
	"region":           "region",
	"state":            "region",
	"market":           "region",
	"vertical":         "vertical",
	"industry":         "vertical",
	"category":         "vertical",
	"source":           "source",
	"discovery_source": "source",
}

func headerKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

// fromRows maps tabular rows onto candidates using the header row. Blank
// rows are skipped.
func fromRows(rows [][]string) ([]model.Candidate, error) {
	if len(rows) == 0 {
		return []model.Candidate{}, nil
	}

	cols := make(map[string]int)
	for i, h := range rows[0] {
		field, ok := headerAliases[headerKey(h)]
		if !ok {
			continue
		}
		if _, dup := cols[field]; !dup {
			cols[field] = i
		}
	}
	_, hasName := cols["name"]
	_, hasDomain := cols["domain"]
	if !hasName && !hasDomain {
		return nil, eris.Errorf("intake: header needs a name or domain column, got %v", rows[0])
	}

	cell := func(row []string, field string) string {
		i, ok := cols[field]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	out := make([]model.Candidate, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		out = append(out, Record{
			Name:     cell(row, "name"),
			Domain:   cell(row, "domain"),
			Region:   cell(row, "region"),
			Vertical: cell(row, "vertical"),
			Source:   cell(row, "source"),
		}.Candidate())
	}
	return out, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
