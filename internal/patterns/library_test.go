package patterns

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestLoadFileParsesPatterns(t *testing.T) {
	lib := NewLibrary(mustTestLogger(t))
	path := writeCSV(t, "patterns.csv",
		"Symptom_Segment,Diagnosis,Diagnostic_Category,Symptom_ID,Symp_Prob,ZCode_HRSN\n"+
			"anxiety,Generalized Anxiety Disorder,Anxiety Disorders,SYM001,Symptom,\n"+
			"food insecurity,Food Insecurity,Social Needs,SYM002,Problem,Z59.41\n")

	pats, err := lib.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(pats) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(pats))
	}
	if pats[0].SymptomSegment != "anxiety" || pats[0].SympProb != domain.SympProbSymptom {
		t.Fatalf("first pattern parsed wrong: %+v", pats[0])
	}
	if !pats[1].IsHRSN() {
		t.Fatalf("Problem row should be HRSN: %+v", pats[1])
	}
	if got := pats[1].Extensions["zcode_hrsn"]; got != "Z59.41" {
		t.Fatalf("extension pass-through: want Z59.41, got %q", got)
	}
}

func TestLoadFileNormalizesMessyHeaders(t *testing.T) {
	lib := NewLibrary(mustTestLogger(t))
	// BOM, mixed case, spaces instead of underscores
	path := writeCSV(t, "messy.csv",
		"\ufeffsymptom segment,DIAGNOSIS,Diagnostic-Category, Symptom_ID ,symp prob\n"+
			"insomnia,Insomnia,Sleep-Wake Disorders,SYM003,Symptom\n")

	pats, err := lib.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(pats) != 1 {
		t.Fatalf("expected 1 pattern, got %d", len(pats))
	}
	if pats[0].DiagnosticCategory != "Sleep-Wake Disorders" {
		t.Fatalf("category: got %q", pats[0].DiagnosticCategory)
	}
}

func TestLoadFileMissingColumnFails(t *testing.T) {
	lib := NewLibrary(mustTestLogger(t))
	path := writeCSV(t, "broken.csv",
		"Symptom_Segment,Diagnosis\nanxiety,GAD\n")

	_, err := lib.LoadFile(path)
	var loadErr *LibraryLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LibraryLoadError, got %v", err)
	}
}

func TestLoadFileSkipsBlankSegments(t *testing.T) {
	lib := NewLibrary(mustTestLogger(t))
	path := writeCSV(t, "blanks.csv",
		"Symptom_Segment,Diagnosis,Diagnostic_Category,Symptom_ID,Symp_Prob\n"+
			",GAD,Anxiety Disorders,SYM001,Symptom\n"+
			"anxiety,GAD,Anxiety Disorders,SYM001,Symptom\n")

	pats, err := lib.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(pats) != 1 {
		t.Fatalf("blank segment row should be skipped, got %d patterns", len(pats))
	}
}

func TestLoadUsesFirstResolvingCandidate(t *testing.T) {
	path := writeCSV(t, "patterns.csv",
		"Symptom_Segment,Diagnosis,Diagnostic_Category,Symptom_ID,Symp_Prob\n"+
			"anxiety,GAD,Anxiety Disorders,SYM001,Symptom\n")
	t.Setenv("PATTERN_LIBRARY_PATH", path)

	lib := NewLibrary(mustTestLogger(t))
	pats, err := lib.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(pats) != 1 {
		t.Fatalf("expected 1 pattern, got %d", len(pats))
	}
}

func TestLoadNoSourceFails(t *testing.T) {
	t.Setenv("PATTERN_LIBRARY_PATH", filepath.Join(t.TempDir(), "missing.csv"))
	lib := NewLibrary(mustTestLogger(t))
	// drop the built-in relative fallbacks so the test is hermetic
	lib.candidates = lib.candidates[:1]

	_, err := lib.Load()
	var loadErr *LibraryLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LibraryLoadError, got %v", err)
	}
}
