package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/data/repos"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/dbctx"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

type AggregationMode string

const (
	// ModeRaw counts every mention occurrence: the frequency/intensity view.
	ModeRaw AggregationMode = "raw"
	// ModePatients counts distinct patients with at least one matching
	// mention: the prevalence view.
	ModePatients AggregationMode = "patients"
)

type Pivot string

const (
	PivotCategory  Pivot = "diagnostic_category"
	PivotDiagnosis Pivot = "diagnosis"
	PivotSymptomID Pivot = "symptom_id"
)

const (
	FamilyHRSN     = "hrsn"
	FamilyClinical = "clinical"
)

type CategoryStat struct {
	Category   string  `json:"category"`
	Family     string  `json:"family"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// AggregationService computes dashboard rollups over persisted mentions.
// Runs independently of any extraction job, on demand.
type AggregationService interface {
	Aggregate(ctx context.Context, userID uuid.UUID, mode AggregationMode, pivot Pivot, family string) ([]CategoryStat, error)
}

type aggregationService struct {
	log      *logger.Logger
	mentions repos.MentionRepo
}

func NewAggregationService(baseLog *logger.Logger, mentions repos.MentionRepo) AggregationService {
	return &aggregationService{
		log:      baseLog.With("service", "AggregationService"),
		mentions: mentions,
	}
}

func (s *aggregationService) Aggregate(ctx context.Context, userID uuid.UUID, mode AggregationMode, pivot Pivot, family string) ([]CategoryStat, error) {
	if userID == uuid.Nil {
		return nil, ErrMissingOwner
	}
	switch mode {
	case ModeRaw, ModePatients:
	default:
		return nil, fmt.Errorf("unknown aggregation mode %q", mode)
	}
	switch pivot {
	case PivotCategory, PivotDiagnosis, PivotSymptomID:
	default:
		return nil, fmt.Errorf("unknown aggregation pivot %q", pivot)
	}

	mentions, err := s.mentions.ListForUser(dbctx.Context{Ctx: ctx}, userID)
	if err != nil {
		return nil, err
	}
	stats := ComputeStats(mentions, mode, pivot)
	if family != "" {
		filtered := stats[:0]
		for _, st := range stats {
			if st.Family == family {
				filtered = append(filtered, st)
			}
		}
		stats = filtered
	}
	return stats, nil
}

// ComputeStats aggregates mentions into per-category counts and
// percentages. Percentages normalize against the category family's total
// (HRSN rows against the HRSN total, clinical rows against the clinical
// total) so each family sums to ~100% modulo rounding.
func ComputeStats(mentions []*domain.Mention, mode AggregationMode, pivot Pivot) []CategoryStat {
	type bucket struct {
		family   string
		count    int
		patients map[string]struct{}
	}
	buckets := map[string]*bucket{}

	for _, m := range mentions {
		if m == nil {
			continue
		}
		cat := pivotValue(m, pivot)
		if cat == "" {
			cat = "(uncategorized)"
		}
		b := buckets[cat]
		if b == nil {
			b = &bucket{family: familyOf(m), patients: map[string]struct{}{}}
			buckets[cat] = b
		}
		b.count++
		b.patients[m.PatientID] = struct{}{}
	}

	familyTotals := map[string]int{}
	out := make([]CategoryStat, 0, len(buckets))
	for cat, b := range buckets {
		count := b.count
		if mode == ModePatients {
			count = len(b.patients)
		}
		familyTotals[b.family] += count
		out = append(out, CategoryStat{Category: cat, Family: b.family, Count: count})
	}

	for i := range out {
		total := familyTotals[out[i].Family]
		if total > 0 {
			out[i].Percentage = round2(float64(out[i].Count) / float64(total) * 100)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func pivotValue(m *domain.Mention, pivot Pivot) string {
	switch pivot {
	case PivotDiagnosis:
		return strings.TrimSpace(m.Diagnosis)
	case PivotSymptomID:
		return strings.TrimSpace(m.SymptomID)
	default:
		return strings.TrimSpace(m.DiagnosticCategory)
	}
}

func familyOf(m *domain.Mention) string {
	if m.IsHRSN() {
		return FamilyHRSN
	}
	return FamilyClinical
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
