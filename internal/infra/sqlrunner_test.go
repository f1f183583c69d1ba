package infra

import (
	"testing"
)

func TestExtractMarker(t *testing.T) {
	query := "--sql 0b7c7d4e-3a55-4c38-9a51-2f1f7d0c9e11\nselect 1;"
	marker, body, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker error: %v", err)
	}
	if marker != "0b7c7d4e-3a55-4c38-9a51-2f1f7d0c9e11" {
		t.Fatalf("unexpected marker: %q", marker)
	}
	if body != "select 1;" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestExtractMarkerRejectsUnmarkedQuery(t *testing.T) {
	if _, _, err := extractMarker("select 1;"); err == nil {
		t.Fatal("expected error for query without marker")
	}
}
