package solar

import (
	"fmt"
	"strings"
)

// Severity is a normalized thermal severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityNormal   Severity = "normal"
)

// NormalizeSeverity maps device severities (CRITICAL, HIGH, MODERATE, ...) onto Severity.
func NormalizeSeverity(v string) Severity {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MODERATE", "MEDIUM":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	default:
		return SeverityNormal
	}
}

// Urgent reports whether the severity calls for immediate dispatch.
func (s Severity) Urgent() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Findings is what a scan observed, reduced to the inputs of every
// escalation decision.
type Findings struct {
	DustyCount int
	HasFaulty  bool
	Severity   Severity
}

// Actionable reports whether the findings warrant raising or escalating an alert.
func (f Findings) Actionable() bool {
	return f.DustyCount > 0 || f.HasFaulty || f.Severity.Urgent()
}

// AlertStatus is fault when a faulty panel or critical severity is present,
// warning otherwise.
func (f Findings) AlertStatus() AlertStatus {
	if f.HasFaulty || f.Severity == SeverityCritical {
		return AlertFault
	}
	return AlertWarning
}

// Fault types produced by automation.
const (
	FaultThermal = "thermal_fault"
	FaultDust    = "dust_accumulation"
	FaultAnomaly = "scan_anomaly"
)

// FaultType derives the fault type: any faulty detection wins, then dust,
// then a severity-only anomaly.
func (f Findings) FaultType() string {
	switch {
	case f.HasFaulty:
		return FaultThermal
	case f.DustyCount > 0:
		return FaultDust
	default:
		return FaultAnomaly
	}
}

// Dispatch modes for recommended actions.
const (
	DispatchImmediate = "Immediate technician dispatch for thermal fault verification"
	DispatchScheduled = "Schedule panel cleaning and technician validation"
)

// Immediate reports whether the ticket needs immediate dispatch.
func (f Findings) Immediate() bool {
	return f.HasFaulty || f.Severity.Urgent()
}

// RecommendedAction is the dispatch wording for the ticket.
func (f Findings) RecommendedAction() string {
	if f.Immediate() {
		return DispatchImmediate
	}
	return DispatchScheduled
}

// Ticket priorities.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Priority maps severity onto ticket priority. A faulty panel is never below
// high, and dust at or above dustThreshold is never below medium.
func (f Findings) Priority(dustThreshold int) string {
	p := PriorityLow
	switch f.Severity {
	case SeverityCritical:
		p = PriorityCritical
	case SeverityHigh:
		p = PriorityHigh
	case SeverityMedium:
		p = PriorityMedium
	}
	if f.HasFaulty && (p == PriorityLow || p == PriorityMedium) {
		p = PriorityHigh
	}
	if p == PriorityLow && dustThreshold > 0 && f.DustyCount >= dustThreshold {
		p = PriorityMedium
	}
	return p
}

// Description is the ticket/fault description line.
func (f Findings) Description() string {
	if f.HasFaulty {
		return "Automated scan processing - thermal fault detected"
	}
	if f.DustyCount > 0 {
		return fmt.Sprintf("Automated scan processing - dust accumulation: %d panels", f.DustyCount)
	}
	return fmt.Sprintf("Automated scan processing - %s severity thermal anomaly", f.Severity)
}

// AlertMessage is the message placed on alerts raised by a scan.
func (f Findings) AlertMessage(rawSeverity string) string {
	what := fmt.Sprintf("%d dusty panels", f.DustyCount)
	if f.HasFaulty {
		what = "faulty panels"
	}
	if rawSeverity == "" {
		rawSeverity = "NORMAL"
	}
	return fmt.Sprintf("Scan detected: %s - Severity: %s", what, rawSeverity)
}

// LinkTier names how a scan was matched to an alert, in precedence order.
type LinkTier int

const (
	// LinkNone means no alert matched
	LinkNone LinkTier = iota

	// LinkExplicit means the payload carried an alert code
	LinkExplicit

	// LinkRow means the most recent active alert for the resolved row matched
	LinkRow

	// LinkCreated means the scan raised a new alert
	LinkCreated
)

func (t LinkTier) String() string {
	switch t {
	case LinkExplicit:
		return "explicit"
	case LinkRow:
		return "row"
	case LinkCreated:
		return "created"
	default:
		return "none"
	}
}

// RowFromPanelCode extracts the row encoded in a panel identifier:
// PNL-A0201 and A0201 give row 2; legacy numbers give the hundreds digit
// (201 → 2) or the value itself below 100.
func RowFromPanelCode(code string) (int, bool) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return 0, false
	}
	c = strings.TrimPrefix(c, "PNL-")
	if len(c) == 5 && c[0] >= 'A' && c[0] <= 'Z' && allDigits(c[1:]) {
		return int(c[1]-'0')*10 + int(c[2]-'0'), true
	}
	start := strings.IndexFunc(c, isDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(c) && isDigit(rune(c[end])) {
		end++
	}
	n := 0
	for _, ch := range c[start:end] {
		n = n*10 + int(ch-'0')
		if n > 1_000_000 {
			return 0, false
		}
	}
	if n >= 100 {
		return n / 100, true
	}
	return n, true
}

// PanelPosition decodes zone, row and column from a canonical panel code.
func PanelPosition(code string) (zone string, row, col int, ok bool) {
	c := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(code)), "PNL-")
	if len(c) != 5 || c[0] < 'A' || c[0] > 'Z' || !allDigits(c[1:]) {
		return "", 0, 0, false
	}
	row = int(c[1]-'0')*10 + int(c[2]-'0')
	col = int(c[3]-'0')*10 + int(c[4]-'0')
	return "Zone " + c[:1], row, col, true
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func allDigits(s string) bool {
	for _, r := range s {
		if !isDigit(r) {
			return false
		}
	}
	return s != ""
}

// canonicalPanelCode renders a panel code as PNL-<Z><RR><CC>.
func canonicalPanelCode(code string) string {
	return "PNL-" + strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(code)), "PNL-")
}
