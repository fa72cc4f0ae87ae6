package core

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Constraint operators.
const (
	OpIn            Operator = "IN"
	OpNotIn         Operator = "NOT_IN"
	OpStrContains   Operator = "STR_CONTAINS"
	OpStrStartsWith Operator = "STR_STARTS_WITH"
	OpStrEndsWith   Operator = "STR_ENDS_WITH"
	OpNumEq         Operator = "NUM_EQ"
	OpNumGt         Operator = "NUM_GT"
	OpNumGte        Operator = "NUM_GTE"
	OpNumLt         Operator = "NUM_LT"
	OpNumLte        Operator = "NUM_LTE"
	OpDateAfter     Operator = "DATE_AFTER"
	OpDateBefore    Operator = "DATE_BEFORE"
	OpSemverEq      Operator = "SEMVER_EQ"
	OpSemverGt      Operator = "SEMVER_GT"
	OpSemverLt      Operator = "SEMVER_LT"
)

// DefaultConstraintValuesLimit bounds the number of values across all
// constraints of one strategy.
const DefaultConstraintValuesLimit = 1000

type operatorClass int

const (
	classUnknown operatorClass = iota
	classSet
	classString
	classNumeric
	classDate
	classSemver
)

func (o Operator) class() operatorClass {
	switch o {
	case OpIn, OpNotIn:
		return classSet
	case OpStrContains, OpStrStartsWith, OpStrEndsWith:
		return classString
	case OpNumEq, OpNumGt, OpNumGte, OpNumLt, OpNumLte:
		return classNumeric
	case OpDateAfter, OpDateBefore:
		return classDate
	case OpSemverEq, OpSemverGt, OpSemverLt:
		return classSemver
	default:
		return classUnknown
	}
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	return o.class() != classUnknown
}

// ValidateConstraints checks each constraint's value shape against its
// operator and enforces limit on the total number of values. A limit of zero
// or less disables the ceiling.
func ValidateConstraints(constraints []Constraint, limit int) error {
	verr := &ValidationError{}
	total := 0
	for i, c := range constraints {
		path := fmt.Sprintf("/constraints/%d", i)
		total += len(c.Values)
		validateConstraint(verr, path, c)
	}
	if limit > 0 && total > limit {
		verr.Add("/constraints", "constraints hold %d values, limit is %d", total, limit)
	}
	return verr.OrNil()
}

func validateConstraint(verr *ValidationError, path string, c Constraint) {
	if strings.TrimSpace(c.ContextName) == "" {
		verr.Add(path+"/contextName", "contextName is required")
	}
	switch c.Operator.class() {
	case classSet, classString:
		if len(c.Values) == 0 {
			verr.Add(path+"/values", "operator %s requires a non-empty values list", c.Operator)
		}
	case classNumeric:
		if !validNumber(c.Value) {
			verr.Add(path+"/value", "operator %s requires a numeric value, got %q", c.Operator, c.Value)
		}
	case classDate:
		if !validDate(c.Value) {
			verr.Add(path+"/value", "operator %s requires an RFC 3339 timestamp or YYYY-MM-DD date, got %q", c.Operator, c.Value)
		}
	case classSemver:
		if !validSemver(c.Value) {
			verr.Add(path+"/value", "operator %s requires a semantic version, got %q", c.Operator, c.Value)
		}
	default:
		verr.Add(path+"/operator", "unknown operator %q", c.Operator)
	}
}

// decimalNumber excludes the hex, underscore and NaN/Inf spellings ParseFloat
// would otherwise accept.
var decimalNumber = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

func validNumber(v string) bool {
	v = strings.TrimSpace(v)
	if !decimalNumber.MatchString(v) {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}

func validDate(v string) bool {
	if _, err := time.Parse(time.RFC3339, v); err == nil {
		return true
	}
	_, err := time.Parse(time.DateOnly, v)
	return err == nil
}

// semver.IsValid insists on the leading "v" that context values usually omit,
// and accepts "v1" and "v1.2" shorthands that constraints must spell out.
func validSemver(v string) bool {
	if v == "" {
		return false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return false
	}
	core, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), "-")
	core, _, _ = strings.Cut(core, "+")
	return strings.Count(core, ".") == 2
}
