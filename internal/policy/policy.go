// Package policy gates commands by declared danger level against the
// operator's risk tolerance.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/cascade/internal/audit"
	"github.com/fentz26/cascade/internal/models"
)

// ErrOperatorDeclined is returned when an override request is refused.
var ErrOperatorDeclined = errors.New("operator declined command")

// Tolerance is the highest risk the operator accepts without a prompt.
type Tolerance int

const (
	ToleranceNone Tolerance = iota
	ToleranceLowOnly
	ToleranceUpToMedium
	ToleranceAllowAll
)

var toleranceNames = map[Tolerance]string{
	ToleranceNone:       "none",
	ToleranceLowOnly:    "low-only",
	ToleranceUpToMedium: "up-to-medium",
	ToleranceAllowAll:   "allow-all",
}

// ParseTolerance accepts the canonical names and a few common spellings.
func ParseTolerance(s string) (Tolerance, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.NewReplacer("_", "", "-", "", " ", "").Replace(k)
	switch k {
	case "none":
		return ToleranceNone, nil
	case "lowonly", "low":
		return ToleranceLowOnly, nil
	case "uptomedium", "medium":
		return ToleranceUpToMedium, nil
	case "allowall", "all":
		return ToleranceAllowAll, nil
	}
	return ToleranceNone, fmt.Errorf("unknown risk tolerance %q", s)
}

func (t Tolerance) String() string {
	if n, ok := toleranceNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tolerance(%d)", int(t))
}

// Set implements pflag.Value.
func (t *Tolerance) Set(s string) error {
	v, err := ParseTolerance(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Type implements pflag.Value.
func (t *Tolerance) Type() string {
	return "tolerance"
}

// MarshalYAML writes the canonical name.
func (t Tolerance) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// UnmarshalYAML parses a tolerance name.
func (t *Tolerance) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return t.Set(s)
}

// Ceiling is the highest risk allowed without an override. None allows nothing.
func (t Tolerance) Ceiling() models.RiskLevel {
	switch t {
	case ToleranceLowOnly:
		return models.RiskLow
	case ToleranceUpToMedium:
		return models.RiskMedium
	case ToleranceAllowAll:
		return models.RiskHigh
	}
	return 0
}

// RiskOf maps a declared danger level to its risk rank.
func RiskOf(d models.DangerLevel) models.RiskLevel {
	switch models.ParseDangerLevel(string(d)) {
	case models.DangerSafe:
		return models.RiskLow
	case models.DangerCritical:
		return models.RiskHigh
	}
	return models.RiskMedium
}

// Approver grants or refuses overrides.
type Approver interface {
	Confirm(description string, isDangerous, isCritical bool) bool
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(description string, isDangerous, isCritical bool) bool

// Confirm calls f.
func (f ApproverFunc) Confirm(description string, isDangerous, isCritical bool) bool {
	return f(description, isDangerous, isCritical)
}

// DenyAll refuses every override.
var DenyAll = ApproverFunc(func(string, bool, bool) bool { return false })

// Decision is the recorded outcome of a check.
type Decision string

const (
	DecisionAllowed    Decision = "allowed"
	DecisionOverridden Decision = "overridden"
	DecisionDeclined   Decision = "declined"
)

// Gate enforces a tolerance and records every decision.
type Gate struct {
	tolerance Tolerance
	approver  Approver
	audit     *audit.PDRWriter
	logger    *zap.Logger
}

// NewGate creates a gate. A nil approver declines every override; a nil
// writer records into memory.
func NewGate(tolerance Tolerance, approver Approver, w *audit.PDRWriter, logger *zap.Logger) *Gate {
	if approver == nil {
		approver = DenyAll
	}
	if w == nil {
		w = audit.NewPDRWriter(nil, "")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{tolerance: tolerance, approver: approver, audit: w, logger: logger}
}

// Tolerance returns the configured tolerance.
func (g *Gate) Tolerance() Tolerance {
	return g.tolerance
}

type checkInputs struct {
	Command   string `json:"command"`
	Danger    string `json:"danger"`
	Risk      string `json:"risk"`
	Tolerance string `json:"tolerance"`
}

// Check decides whether cmd may run for taskID. A refused override returns
// DecisionDeclined with ErrOperatorDeclined.
func (g *Gate) Check(taskID string, cmd models.Command) (Decision, error) {
	danger := models.ParseDangerLevel(string(cmd.DangerLevel))
	risk := RiskOf(danger)
	line := cmd.Line()

	decision := DecisionAllowed
	if risk > g.tolerance.Ceiling() {
		description := line
		if cmd.Description != "" {
			description = cmd.Description + ": " + line
		}
		if g.approver.Confirm(description, danger == models.DangerDangerous, danger == models.DangerCritical) {
			decision = DecisionOverridden
		} else {
			decision = DecisionDeclined
		}
	}

	inputs := checkInputs{Command: line, Danger: string(danger), Risk: risk.String(), Tolerance: g.tolerance.String()}
	details := fmt.Sprintf("risk %s, tolerance %s", risk, g.tolerance)
	if _, err := g.audit.Record("policy.check", inputs, string(decision), taskID, details); err != nil {
		g.logger.Warn("audit write failed", zap.String("task_id", taskID), zap.Error(err))
	}

	g.logger.Info("policy decision",
		zap.String("task_id", taskID),
		zap.String("command", line),
		zap.String("risk", risk.String()),
		zap.String("decision", string(decision)),
	)

	if decision == DecisionDeclined {
		return decision, fmt.Errorf("%w: %s", ErrOperatorDeclined, line)
	}
	return decision, nil
}

// CheckBatch checks every command and stops at the first decline.
func (g *Gate) CheckBatch(taskID string, cmds []models.Command) error {
	for _, c := range cmds {
		if _, err := g.Check(taskID, c); err != nil {
			return err
		}
	}
	return nil
}
