package intake

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-qualifier/internal/model"
)

// WriteFile writes leads to path in the format its extension names.
func WriteFile(path string, leads []model.QualifiedLead) error {
	format, err := DetectFormat(path)
	if err != nil {
		return err
	}
	if format == FormatXLSX {
		return WriteXLSX(path, leads)
	}

	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "intake: create %s", path)
	}
	if format == FormatJSON {
		err = WriteJSON(f, leads)
	} else {
		err = WriteCSV(f, leads)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = eris.Wrapf(cerr, "intake: close %s", path)
	}
	return err
}

// WriteJSON writes leads as an indented JSON array.
func WriteJSON(w io.Writer, leads []model.QualifiedLead) error {
	if leads == nil {
		leads = []model.QualifiedLead{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(leads), "intake: encode json")
}

// WriteCSV writes one row per lead: identity and score columns, then the
// normalized value and confidence of every signal.
func WriteCSV(w io.Writer, leads []model.QualifiedLead) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(leadHeader()); err != nil {
		return eris.Wrap(err, "intake: write csv header")
	}
	for _, l := range leads {
		if err := cw.Write(leadRow(l)); err != nil {
			return eris.Wrapf(err, "intake: write csv row %s", l.IdentityKey)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "intake: flush csv")
}

// WriteXLSX writes the same table as WriteCSV to a single-sheet workbook.
func WriteXLSX(path string, leads []model.QualifiedLead) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("leads")
	if err != nil {
		return eris.Wrap(err, "intake: add sheet")
	}
	addRow := func(cells []string) {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	addRow(leadHeader())
	for _, l := range leads {
		addRow(leadRow(l))
	}
	return eris.Wrapf(f.Save(path), "intake: save %s", path)
}

func leadHeader() []string {
	h := []string{
		"identity_key", "name", "domain", "region", "vertical", "discovery_source",
		"score", "priority_tier", "low_confidence", "estimated_monthly_value",
	}
	for _, s := range model.AllSignalTypes {
		h = append(h, string(s), string(s)+"_confidence")
	}
	return h
}

func leadRow(l model.QualifiedLead) []string {
	row := []string{
		l.IdentityKey, l.Name, l.Domain, l.Region, l.Vertical, l.DiscoverySource,
		strconv.Itoa(l.Score), string(l.Tier), strconv.FormatBool(l.LowConfidence),
		formatFloat(l.EstimatedMonthlyValue),
	}

	bySignal := make(map[model.SignalType]model.SignalResult, len(l.Signals))
	for _, r := range l.Signals {
		bySignal[r.Signal] = r
	}
	for _, s := range model.AllSignalTypes {
		r, ok := bySignal[s]
		if !ok || !r.Known() {
			row = append(row, "", "")
			continue
		}
		row = append(row, formatFloat(r.Normalized), formatFloat(r.Confidence))
	}
	return row
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
