package routing

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/types"
)

// LoadWorkbook reads a department mapping from the first sheet of an xlsx
// file. Columns are found by header name; rows with an unknown problem type
// are skipped. A row whose problem type is GENERAL_CIVIC (or "general")
// replaces the general entry.
func LoadWorkbook(path string, general Department, log *logger.Logger) (*Mapping, error) {
	log = log.Component("routing.workbook")
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	typeIdx, nameIdx, emailIdx, phoneIdx, escIdx := -1, -1, -1, -1, -1
	for i, h := range rows[0] {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "type") || strings.Contains(l, "category"):
			if typeIdx == -1 {
				typeIdx = i
			}
		case strings.Contains(l, "escalation"):
			escIdx = i
		case strings.Contains(l, "mail"):
			emailIdx = i
		case strings.Contains(l, "phone") || strings.Contains(l, "tel"):
			phoneIdx = i
		case strings.Contains(l, "department") || strings.Contains(l, "name"):
			if nameIdx == -1 {
				nameIdx = i
			}
		}
	}
	if typeIdx == -1 || nameIdx == -1 {
		return nil, fmt.Errorf("workbook needs problem type and department columns")
	}

	m := &Mapping{Entries: map[types.ProblemType]Department{}, General: general}
	skipped := 0
	for i, r := range rows {
		if i == 0 {
			continue
		}
		raw := strings.ToUpper(strings.TrimSpace(cell(r, typeIdx)))
		raw = strings.ReplaceAll(raw, " ", "_")
		d := Department{
			Name: strings.TrimSpace(cell(r, nameIdx)),
			Contact: types.ContactInfo{
				Email: strings.TrimSpace(cell(r, emailIdx)),
				Phone: strings.TrimSpace(cell(r, phoneIdx)),
			},
			Escalation: splitEscalation(cell(r, escIdx)),
		}
		pt := types.ProblemType(raw)
		switch {
		case raw == "GENERAL" || pt == types.GeneralCivic:
			if d.Name != "" && !d.Contact.Empty() {
				m.General = d
			}
		case pt.Valid():
			m.Entries[pt] = d
		default:
			skipped++
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	log.WithField("path", path).
		WithField("entries", len(m.Entries)).
		WithField("skipped_rows", skipped).
		Info("department workbook loaded")
	return m, nil
}

func cell(row []string, idx int) string {
	if idx >= 0 && idx < len(row) {
		return row[idx]
	}
	return ""
}

// splitEscalation accepts "a > b", "a; b" or "a, b".
func splitEscalation(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	sep := ","
	switch {
	case strings.Contains(s, ">"):
		sep = ">"
	case strings.Contains(s, ";"):
		sep = ";"
	}
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
