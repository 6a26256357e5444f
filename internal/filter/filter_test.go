package filter

import "testing"

func TestParseLiteral(t *testing.T) {
	expr, err := Parse("")
	if err != nil {
		t.Fatalf("Parse(\"\"): %v", err)
	}
	if !expr.Match(nil) {
		t.Fatalf("empty filter should match everything")
	}

	expr, err = Parse("false")
	if err != nil {
		t.Fatalf("Parse(false): %v", err)
	}
	if expr.Match(map[string]interface{}{"a": 1}) {
		t.Fatalf("false filter should never match")
	}
}

func TestParseEquals(t *testing.T) {
	expr, err := Parse("table = testtb")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !expr.Match(map[string]interface{}{"table": "testtb"}) {
		t.Fatalf("expected match")
	}
	if expr.Match(map[string]interface{}{"table": "other"}) {
		t.Fatalf("expected no match")
	}
	if expr.Match(map[string]interface{}{}) {
		t.Fatalf("missing field should not match")
	}
}

func TestParseAnd(t *testing.T) {
	expr, err := Parse(`status = active AND region = "us"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !expr.Match(map[string]interface{}{"status": "active", "region": "us"}) {
		t.Fatalf("expected match")
	}
	if expr.Match(map[string]interface{}{"status": "active", "region": "eu"}) {
		t.Fatalf("expected no match when one clause disagrees")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("garbage-without-equals"); err == nil {
		t.Fatalf("expected error for unparseable clause")
	}
}

func TestMatchJSON(t *testing.T) {
	expr, err := Parse("name = alice")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ok, err := MatchJSON(expr, []byte(`{"name":"alice","age":30}`))
	if err != nil {
		t.Fatalf("MatchJSON: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}

	ok, err = MatchJSON(expr, []byte(`{"name":"bob"}`))
	if err != nil {
		t.Fatalf("MatchJSON: %v", err)
	}
	if ok {
		t.Fatalf("expected no match")
	}
}
