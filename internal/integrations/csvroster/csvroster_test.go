package csvroster

import (
	"strings"
	"testing"
)

func TestParseHeaderDriven(t *testing.T) {
	in := "ref,name,role,unused\nE-1,Ada,engineer,x\nE-2,Grace,dispatcher,y\n"
	rows, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Name != "Ada" || rows[0].Role != "engineer" || rows[0].ExternalRef != "E-1" {
		t.Fatalf("bad first row: %+v", rows[0])
	}
}

func TestParseSkipsBlankNames(t *testing.T) {
	in := "name,role\nAda,engineer\n,dispatcher\n  ,x\n"
	rows, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestParseMissingNameColumn(t *testing.T) {
	if _, err := Parse(strings.NewReader("role\nengineer\n")); err == nil {
		t.Fatal("expected error for missing name column")
	}
}

func TestSourceFetchWorkers(t *testing.T) {
	src := Source{Data: []byte("name\nAda\nGrace\n")}
	batch, err := src.FetchWorkers("", "")
	if err != nil {
		t.Fatalf("FetchWorkers: %v", err)
	}
	if len(batch.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(batch.Workers))
	}
}
