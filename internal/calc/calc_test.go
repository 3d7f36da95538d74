package calc

import "testing"

func TestEvalArithmetic(t *testing.T) {
	v, err := Eval("2 + 3 * 4", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.IsNumber() || v.Num != 14 {
		t.Fatalf("expected 14, got %v", v)
	}
}

func TestEvalComparisonAndLogical(t *testing.T) {
	v, err := Eval("(5 > 3) AND (2 <= 2)", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.IsBool() || !v.Bool {
		t.Fatalf("expected true, got %v", v)
	}
}

func TestEvalIdentifiers(t *testing.T) {
	vars := Vars{"temp": Number(72.5), "active": Bool(true)}
	v, err := Eval("temp > 70 AND active", vars)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.Bool {
		t.Fatalf("expected true")
	}
}

func TestEvalNot(t *testing.T) {
	v, err := Eval("NOT false", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.Bool {
		t.Fatalf("expected true")
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	if _, err := Eval("1 / 0", nil); err == nil {
		t.Fatalf("expected division by zero error")
	}
}

func TestEvalTypeMismatchFails(t *testing.T) {
	if _, err := Eval("true AND 1", nil); err == nil {
		t.Fatalf("expected type mismatch error for AND on a number")
	}
}

func TestEvalUnknownIdentifier(t *testing.T) {
	if _, err := Eval("missing + 1", nil); err == nil {
		t.Fatalf("expected error for unresolved identifier")
	}
}

func TestEvalNumericEpsilonEquality(t *testing.T) {
	vars := Vars{"a": Number(0.1 + 0.2), "b": Number(0.3)}
	v, err := Eval("a == b", vars)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.Bool {
		t.Fatalf("expected epsilon-equal floats to compare equal")
	}
}

func TestEvalIn(t *testing.T) {
	vars := Vars{"state": String("FAULT")}
	v, err := Eval(`state in ["OK", "FAULT", "STALE"]`, vars)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.Bool {
		t.Fatalf("expected state to be found in array")
	}
}

func TestEvalNotIn(t *testing.T) {
	vars := Vars{"state": String("UNKNOWN")}
	v, err := Eval(`state not_in ["OK", "FAULT"]`, vars)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.Bool {
		t.Fatalf("expected state to not be found in array")
	}
}

func TestEvalInRequiresArrayOperand(t *testing.T) {
	if _, err := Eval(`"a" in "abc"`, nil); err == nil {
		t.Fatalf("expected error for non-array in operand")
	}
}

func TestEvalContains(t *testing.T) {
	vars := Vars{"msg": String("breaker tripped on overcurrent")}
	v, err := Eval(`msg contains "overcurrent"`, vars)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.Bool {
		t.Fatalf("expected msg to contain substring")
	}
}

func TestEvalMatches(t *testing.T) {
	vars := Vars{"tag": String("feeder-12B")}
	v, err := Eval(`tag matches "^feeder-[0-9]+[A-Z]$"`, vars)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !v.Bool {
		t.Fatalf("expected tag to match pattern")
	}
}

func TestEvalMatchesReusesCompiledPatternAcrossCalls(t *testing.T) {
	cache := NewRegexCache()
	vars := Vars{"tag": String("feeder-12B")}
	for i := 0; i < 3; i++ {
		v, err := EvalWithCache(`tag matches "^feeder-.*$"`, vars, cache)
		if err != nil {
			t.Fatalf("EvalWithCache: %v", err)
		}
		if !v.Bool {
			t.Fatalf("expected match on iteration %d", i)
		}
	}
	if len(cache.byPat) != 1 {
		t.Fatalf("expected exactly one compiled pattern cached, got %d", len(cache.byPat))
	}
}

func TestEvalArrayLiteralEmpty(t *testing.T) {
	v, err := Eval(`1 in []`, nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v.Bool {
		t.Fatalf("expected membership in empty array to be false")
	}
}
