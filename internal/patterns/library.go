package patterns

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/envutil"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

// LibraryLoadError is fatal for a run: the pattern source is missing or
// structurally invalid. Never retried.
type LibraryLoadError struct {
	Source string
	Err    error
}

func (e *LibraryLoadError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("pattern library load failed (%s): %v", e.Source, e.Err)
	}
	return fmt.Sprintf("pattern library load failed: %v", e.Err)
}

func (e *LibraryLoadError) Unwrap() error { return e.Err }

// Required columns after header normalization. Upstream exports disagree on
// casing and stray invisible characters, so matching is by normalized name.
var requiredColumns = []string{
	"symptom_segment",
	"diagnosis",
	"diagnostic_category",
	"symptom_id",
	"symp_prob",
}

type Library struct {
	log        *logger.Logger
	candidates []string
}

func NewLibrary(baseLog *logger.Logger) *Library {
	candidates := []string{
		envutil.Str("PATTERN_LIBRARY_PATH", ""),
		"data/symptom_segments.xlsx",
		"data/symptom_segments.csv",
		"/data/symptom_segments.xlsx",
		"/data/symptom_segments.csv",
	}
	return &Library{
		log:        baseLog.With("service", "PatternLibrary"),
		candidates: candidates,
	}
}

// Load tries the candidate locations in order and parses the first one that
// resolves. Patterns match independently; order is preserved from the source
// but nothing depends on it.
func (l *Library) Load() ([]domain.SymptomPattern, error) {
	for _, path := range l.candidates {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		pats, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		l.log.Info("Pattern library loaded", "path", path, "patterns", len(pats))
		return pats, nil
	}
	return nil, &LibraryLoadError{Err: fmt.Errorf("no pattern source found in %v", l.candidates)}
}

func (l *Library) LoadFile(path string) ([]domain.SymptomPattern, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		rows, err = readWorkbook(path)
	default:
		rows, err = readDelimited(path)
	}
	if err != nil {
		return nil, &LibraryLoadError{Source: path, Err: err}
	}
	pats, err := parseRows(rows)
	if err != nil {
		return nil, &LibraryLoadError{Source: path, Err: err}
	}
	return pats, nil
}

func readWorkbook(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func readDelimited(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return r.ReadAll()
}

func parseRows(rows [][]string) ([]domain.SymptomPattern, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty pattern source")
	}
	header := rows[0]
	colIndex := map[string]int{}
	for i, h := range header {
		name := normalizeHeader(h)
		if name == "" {
			continue
		}
		if _, dup := colIndex[name]; !dup {
			colIndex[name] = i
		}
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	cell := func(row []string, col string) string {
		idx := colIndex[col]
		if idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(stripInvisible(row[idx]))
	}

	out := make([]domain.SymptomPattern, 0, len(rows)-1)
	for n, row := range rows[1:] {
		segment := cell(row, "symptom_segment")
		if segment == "" {
			continue
		}
		p := domain.SymptomPattern{
			PatternID:          strconv.Itoa(n + 1),
			SymptomSegment:     segment,
			Diagnosis:          cell(row, "diagnosis"),
			DiagnosticCategory: cell(row, "diagnostic_category"),
			SymptomID:          cell(row, "symptom_id"),
			SympProb:           normalizeSympProb(cell(row, "symp_prob")),
		}
		if id, ok := colIndex["pattern_id"]; ok && id < len(row) {
			if v := strings.TrimSpace(stripInvisible(row[id])); v != "" {
				p.PatternID = v
			}
		}
		for name, idx := range colIndex {
			if isRequiredColumn(name) || name == "pattern_id" || idx >= len(row) {
				continue
			}
			if v := strings.TrimSpace(stripInvisible(row[idx])); v != "" {
				if p.Extensions == nil {
					p.Extensions = map[string]string{}
				}
				p.Extensions[name] = v
			}
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pattern source has no usable rows")
	}
	return out, nil
}

func isRequiredColumn(name string) bool {
	for _, c := range requiredColumns {
		if c == name {
			return true
		}
	}
	return false
}

// normalizeHeader folds case, collapses separators and drops invisible
// characters so "Symptom_Segment", " symptom segment" and a BOM-prefixed
// variant all resolve to the same column.
func normalizeHeader(h string) string {
	h = stripInvisible(h)
	h = strings.TrimSpace(strings.ToLower(h))
	h = strings.ReplaceAll(h, " ", "_")
	h = strings.ReplaceAll(h, "-", "_")
	for strings.Contains(h, "__") {
		h = strings.ReplaceAll(h, "__", "_")
	}
	return h
}

func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\uFEFF', '\u200B', '\u200C', '\u200D':
			return -1
		case '\u00A0':
			return ' '
		}
		return r
	}, s)
}

func normalizeSympProb(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "problem", "hrsn", "z-code", "zcode":
		return domain.SympProbProblem
	default:
		return domain.SympProbSymptom
	}
}
