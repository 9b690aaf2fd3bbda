package research

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Document topics.
const (
	TopicCarryforward = "carryforward"
	TopicTaxRates     = "tax_rates"
	TopicMethodology  = "methodology"
	TopicPrePost      = "pre_post"
	TopicNexus        = "nexus"
	TopicExclusions   = "exclusions"
	TopicLimitations  = "limitations"
	TopicNotes        = "notes"
)

// Fact is one research sentence before it is numbered and embedded.
type Fact struct {
	Topic string
	Text  string
}

func CarryforwardFacts(values []YearValue) []Fact {
	facts := make([]Fact, 0, len(values))
	for _, v := range values {
		period := text(v.Value)
		sentence := fmt.Sprintf("%s's %s NOL carryforward period is %s", v.State, v.Year, period)
		if s, ok := v.Value.(string); ok && strings.EqualFold(s, "unlimited") {
			sentence += fmt.Sprintf(". %s's NOL utilization limitation is 80%% of state taxable income.", v.State)
		}
		facts = append(facts, Fact{Topic: TopicCarryforward, Text: sentence})
	}
	return facts
}

var rateLabels = map[string]string{
	ProvisionCompliance: "2022 or compliance",
	ProvisionCurrent:    "2023 or current",
	ProvisionDeferred:   "deferred or future",
}

// TaxRateFacts groups sentences by provision: compliance, then current, then
// deferred.
func TaxRateFacts(values []ProvisionValue) []Fact {
	var facts []Fact
	for _, provision := range []string{ProvisionCompliance, ProvisionCurrent, ProvisionDeferred} {
		for _, v := range values {
			if v.Provision != provision {
				continue
			}
			rate := text(v.Value)
			if pct, ok := percent(v.Value); ok {
				rate = pct + "%"
			}
			facts = append(facts, Fact{
				Topic: TopicTaxRates,
				Text:  fmt.Sprintf("%s's %s tax rate is %s", v.State, rateLabels[provision], rate),
			})
		}
	}
	return facts
}

var methodologyLabels = map[string]string{
	ProvisionCompliance: "2022",
	ProvisionCurrent:    "2023",
	ProvisionDeferred:   "deferred",
}

func MethodologyFacts(values []ProvisionValue) []Fact {
	facts := make([]Fact, 0, len(values))
	for _, v := range values {
		facts = append(facts, Fact{
			Topic: TopicMethodology,
			Text:  fmt.Sprintf("%s's %s apportionment methodology is %s", v.State, methodologyLabels[v.Provision], text(v.Value)),
		})
	}
	return facts
}

func PrePostFacts(values []PrePostBasis) []Fact {
	facts := make([]Fact, 0, len(values))
	for _, v := range values {
		facts = append(facts, Fact{
			Topic: TopicPrePost,
			Text:  fmt.Sprintf("%s's net operating losses are utilized on a %s apportioned basis", v.State, v.Basis),
		})
	}
	return facts
}

func NexusFacts(values []NexusThreshold) []Fact {
	facts := make([]Fact, 0, len(values))
	for _, v := range values {
		facts = append(facts, Fact{
			Topic: TopicNexus,
			Text: fmt.Sprintf("%s's economic nexus threshold is %s dollars, %s transactions. And/Or determination is: %s",
				v.State, text(v.Dollars), text(v.Transactions), text(v.AndOr)),
		})
	}
	return facts
}

func ExclusionFacts(values []ExclusionRate) []Fact {
	facts := make([]Fact, 0, len(values))
	for _, v := range values {
		rate, ok := percent(v.Rate)
		if !ok {
			rate = text(v.Rate)
		}
		facts = append(facts, Fact{
			Topic: TopicExclusions,
			Text:  fmt.Sprintf("%s's exclusion rate for %s is %s%%) of %s income", v.State, v.Category, rate, v.Category),
		})
	}
	return facts
}

func LimitationFacts(values []YearValue) []Fact {
	facts := make([]Fact, 0, len(values))
	for _, v := range values {
		var sentence string
		// only a numeric cell of 1 means unlimited; text "1" reads as 100%
		if n, ok := v.Value.(float64); ok && n == 1 {
			sentence = fmt.Sprintf("%s's net operating loss (NOL) utilization limitation for %s. %s can utilize an unlimited amount of NOLs",
				v.State, v.Year, v.State)
		} else {
			limit, ok := percent(v.Value)
			if !ok {
				limit = text(v.Value)
			}
			sentence = fmt.Sprintf("%s's net operating loss (NOL) utilization limitation for %s is %s%% of state taxable income",
				v.State, v.Year, limit)
		}
		facts = append(facts, Fact{Topic: TopicLimitations, Text: sentence})
	}
	return facts
}

// text renders a cell value the way it reads in the sheet.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// number accepts numeric cells and numeric text.
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// percent renders a fractional value as a percentage, rounded to four
// decimals to hide float noise (0.07 -> "7").
func percent(v any) (string, bool) {
	n, ok := number(v)
	if !ok {
		return "", false
	}
	pct := math.Round(n*100*1e4) / 1e4
	return strconv.FormatFloat(pct, 'f', -1, 64), true
}
