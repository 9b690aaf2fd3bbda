package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"taxresearch/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sheetJSON(columns []Column, rows ...[]any) map[string]any {
	var outRows []map[string]any
	for _, r := range rows {
		var cells []map[string]any
		for i, v := range r {
			cell := map[string]any{"columnId": columns[i].ID}
			if v != nil {
				cell["value"] = v
			}
			cells = append(cells, cell)
		}
		outRows = append(outRows, map[string]any{"cells": cells})
	}
	return map[string]any{"columns": columns, "rows": outRows}
}

func cols(titles ...string) []Column {
	out := make([]Column, len(titles))
	for i, t := range titles {
		out[i] = Column{ID: int64(100 + i), Index: i, Title: t}
	}
	return out
}

func fixtureSheets() map[string]map[string]any {
	return map[string]map[string]any{
		"1": sheetJSON(cols("Year", "Alabama", "Arizona"),
			[]any{"2022", 15.0, "Unlimited"}),
		"2": sheetJSON(cols("State", "Provision", "2022"),
			[]any{"Alabama - AL", "compliance", 0.065},
			[]any{"Alabama - AL", "current", 0.065},
			[]any{"Alabama - AL", "deferred", "varies"},
			[]any{"Alabama - AL", "notes", 1.0}),
		"3": sheetJSON(cols("State", "Provision", "2022"),
			[]any{"Alabama - AL", "compliance", "Single Sales Factor"}),
		"4": sheetJSON(cols("State", "Basis"),
			[]any{"Alabama", "Pre"},
			[]any{"Alaska", nil}),
		"5": sheetJSON(cols("State", "Dollars", "Transactions", "AndOr"),
			[]any{"Alabama", 250000.0, "n/a", "or"},
			[]any{"Alaska", 100000.0}),
		"6": sheetJSON(cols("State", "Category", "2022"),
			[]any{"Alabama", "Subpart F", 0.5}),
		"7": sheetJSON(cols("Year", "Alabama", "Alaska"),
			[]any{"2022", 1.0, 0.8}),
	}
}

func newSheetServer(t *testing.T, sheets map[string]map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sheet, ok := sheets[strings.TrimPrefix(r.URL.Path, "/sheets/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(sheet)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func researchConfig(baseURL string) config.ResearchConfig {
	return config.ResearchConfig{
		BaseURL: baseURL + "/sheets/",
		Token:   "secret",
		TaxYear: "2022",
		Sheets: map[string]string{
			config.SheetCarryforward: "1",
			config.SheetTaxRates:     "2",
			config.SheetMethodology:  "3",
			config.SheetPrePost:      "4",
			config.SheetNexus:        "5",
			config.SheetExclusions:   "6",
			config.SheetLimitations:  "7",
		},
	}
}

func TestGatherBuildsSentencesInOrder(t *testing.T) {
	srv, _ := newSheetServer(t, fixtureSheets())
	docs, err := NewCollector(researchConfig(srv.URL), nil).Gather(context.Background())
	require.NoError(t, err)

	var got []string
	for i, d := range docs {
		assert.Equal(t, "doc_"+strconv.Itoa(i), d.ID)
		got = append(got, d.Content)
	}
	assert.Equal(t, []string{
		"Alabama's 2022 NOL carryforward period is 15",
		"Arizona's 2022 NOL carryforward period is Unlimited. Arizona's NOL utilization limitation is 80% of state taxable income.",
		"Alabama's 2022 or compliance tax rate is 6.5%",
		"Alabama's 2023 or current tax rate is 6.5%",
		"Alabama's deferred or future tax rate is varies",
		"Alabama's 2022 apportionment methodology is Single Sales Factor",
		"Alabama's net operating losses are utilized on a Pre apportioned basis",
		"Alaska's net operating losses are utilized on a Post apportioned basis",
		"Alabama's economic nexus threshold is 250000 dollars, 0 transactions. And/Or determination is: or",
		"Alaska's economic nexus threshold is 0 dollars, 0 transactions. And/Or determination is: 0",
		"Alabama's exclusion rate for Subpart F is 50%) of Subpart F income",
		"Alabama's net operating loss (NOL) utilization limitation for 2022. Alabama can utilize an unlimited amount of NOLs",
		"Alaska's net operating loss (NOL) utilization limitation for 2022 is 80% of state taxable income",
	}, got)
	assert.Equal(t, TopicCarryforward, docs[0].Topic)
	assert.Equal(t, TopicLimitations, docs[len(docs)-1].Topic)
}

func TestGatherFailsWhenASheetFails(t *testing.T) {
	sheets := fixtureSheets()
	delete(sheets, "6")
	srv, _ := newSheetServer(t, sheets)

	_, err := NewCollector(researchConfig(srv.URL), nil).Gather(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exclusions sheet")
}

func TestFetchSheetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(sheetJSON(cols("State"), []any{"Ohio"}))
	}))
	defer srv.Close()

	sheet, err := NewClient(srv.URL, "secret", nil).FetchSheet(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, sheet.Rows, 1)
	assert.Equal(t, "Ohio", sheet.Rows[0].At(0))
}

func TestImportProvisionsRequiresTaxYearColumn(t *testing.T) {
	var sheet Sheet
	raw, err := json.Marshal(sheetJSON(cols("State", "Provision", "2023"), []any{"Ohio - OH", "current", 0.1}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &sheet))

	_, err = ImportProvisions(&sheet, "2022")
	assert.Error(t, err)

	values, err := ImportProvisions(&sheet, "2023")
	require.NoError(t, err)
	assert.Equal(t, []ProvisionValue{{State: "Ohio", Provision: ProvisionCurrent, Value: 0.1}}, values)
}

func TestGatherWithoutSources(t *testing.T) {
	_, err := NewCollector(config.ResearchConfig{}, nil).Gather(context.Background())
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestGatherLoadsNotesDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("Ohio levies the CAT.\n\n  Texas has a margin tax.  \n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("Nevada has no income tax."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.csv"), []byte("ignored"), 0o644))

	docs, err := NewCollector(config.ResearchConfig{Dir: dir}, nil).Gather(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "Nevada has no income tax.", docs[0].Content)
	assert.Equal(t, "Ohio levies the CAT.", docs[1].Content)
	assert.Equal(t, "Texas has a margin tax.", docs[2].Content)
	assert.Equal(t, TopicNotes, docs[2].Topic)
}

func TestLimitationFactsUnlimitedOnlyForNumericOne(t *testing.T) {
	facts := LimitationFacts([]YearValue{
		{State: "Alabama", Year: "2022", Value: 1.0},
		{State: "Alaska", Year: "2022", Value: "1"},
	})
	require.Len(t, facts, 2)
	assert.Equal(t, "Alabama's net operating loss (NOL) utilization limitation for 2022. Alabama can utilize an unlimited amount of NOLs", facts[0].Text)
	assert.Equal(t, "Alaska's net operating loss (NOL) utilization limitation for 2022 is 100% of state taxable income", facts[1].Text)
}

func TestPercentRoundsFloatNoise(t *testing.T) {
	got, ok := percent(0.07)
	require.True(t, ok)
	assert.Equal(t, "7", got)

	got, ok = percent("0.0425")
	require.True(t, ok)
	assert.Equal(t, "4.25", got)

	_, ok = percent("varies")
	assert.False(t, ok)
}
