package research

import (
	"fmt"
	"strings"
)

// Provisions recognised in the tax rate and methodology sheets.
const (
	ProvisionCompliance = "compliance"
	ProvisionCurrent    = "current"
	ProvisionDeferred   = "deferred"
)

// stateSuffixLen is the length of the " - XX"-style suffix carried by the
// state cell of the provision sheets.
const stateSuffixLen = 5

// YearValue is one cell of a state-by-year sheet.
type YearValue struct {
	State string
	Year  string
	Value any
}

// ProvisionValue is one state/provision row of a tax-year column.
type ProvisionValue struct {
	State     string
	Provision string
	Value     any
}

type PrePostBasis struct {
	State string
	Basis string
}

type NexusThreshold struct {
	State        string
	Dollars      any
	Transactions any
	AndOr        any
}

type ExclusionRate struct {
	State    string
	Category string
	Rate     any
}

// ImportByYear reads sheets with one column per state and one row per year
// (carryforward periods, utilization limitations).
func ImportByYear(sheet *Sheet) []YearValue {
	var out []YearValue
	for _, col := range sheet.Columns {
		if col.Index == 0 {
			continue
		}
		for _, row := range sheet.Rows {
			value := row.Value(col)
			if value == nil {
				value = 0.0
			}
			out = append(out, YearValue{
				State: col.Title,
				Year:  text(row.At(0)),
				Value: value,
			})
		}
	}
	return out
}

// ImportProvisions reads the tax-year column of the rate and methodology
// sheets. Rows whose provision is not compliance, current or deferred are
// skipped.
func ImportProvisions(sheet *Sheet, taxYear string) ([]ProvisionValue, error) {
	col, ok := sheet.ColumnByTitle(taxYear)
	if !ok {
		return nil, fmt.Errorf("sheet %q has no column for tax year %s", sheet.Name, taxYear)
	}
	var out []ProvisionValue
	for _, row := range sheet.Rows {
		provision := text(row.At(1))
		switch provision {
		case ProvisionCompliance, ProvisionCurrent, ProvisionDeferred:
		default:
			continue
		}
		out = append(out, ProvisionValue{
			State:     stripStateSuffix(text(row.At(0))),
			Provision: provision,
			Value:     row.Value(col),
		})
	}
	return out, nil
}

// ImportPrePost reads the pre/post apportionment sheet. A missing basis
// defaults to Post.
func ImportPrePost(sheet *Sheet) []PrePostBasis {
	out := make([]PrePostBasis, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		basis := "Post"
		if v := row.At(1); v != nil {
			basis = text(v)
		}
		out = append(out, PrePostBasis{State: text(row.At(0)), Basis: basis})
	}
	return out
}

// ImportNexus reads economic nexus thresholds. "n/a" thresholds become 0 and
// rows with missing cells are imported as all zeros.
func ImportNexus(sheet *Sheet) []NexusThreshold {
	out := make([]NexusThreshold, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		t := NexusThreshold{State: text(row.At(0))}
		dollars, transactions, andOr := row.At(1), row.At(2), row.At(3)
		if dollars == nil || transactions == nil || andOr == nil {
			t.Dollars, t.Transactions, t.AndOr = 0.0, 0.0, 0.0
		} else {
			t.Dollars = notApplicableToZero(dollars)
			t.Transactions = notApplicableToZero(transactions)
			t.AndOr = andOr
		}
		out = append(out, t)
	}
	return out
}

// ImportExclusions reads the tax-year column of the exclusion rate sheet.
func ImportExclusions(sheet *Sheet, taxYear string) ([]ExclusionRate, error) {
	col, ok := sheet.ColumnByTitle(taxYear)
	if !ok {
		return nil, fmt.Errorf("sheet %q has no column for tax year %s", sheet.Name, taxYear)
	}
	out := make([]ExclusionRate, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		out = append(out, ExclusionRate{
			State:    text(row.At(0)),
			Category: text(row.At(1)),
			Rate:     row.Value(col),
		})
	}
	return out, nil
}

func stripStateSuffix(s string) string {
	if len(s) <= stateSuffixLen {
		return s
	}
	return s[:len(s)-stateSuffixLen]
}

func notApplicableToZero(v any) any {
	if s, ok := v.(string); ok && strings.EqualFold(strings.TrimSpace(s), "n/a") {
		return 0.0
	}
	return v
}
