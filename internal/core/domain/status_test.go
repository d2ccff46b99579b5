package domain

import "testing"

func TestLifecycleGraph(t *testing.T) {
	all := []DocumentStatus{StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed}
	legal := map[[2]DocumentStatus]bool{
		{StatusUploaded, StatusProcessing}:   true,
		{StatusProcessing, StatusProcessing}: true,
		{StatusProcessing, StatusCompleted}:  true,
		{StatusProcessing, StatusFailed}:     true,
		{StatusFailed, StatusUploaded}:       true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]DocumentStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			err := CheckTransition(from, to)
			if want && err != nil {
				t.Fatalf("CheckTransition(%s, %s) unexpected error %v", from, to, err)
			}
			if !want && !IsKind(err, ErrInvalidTransition) {
				t.Fatalf("CheckTransition(%s, %s) expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestCompletedIsTerminalWithoutExit(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatalf("expected completed and failed to be terminal")
	}
	if StatusProcessing.Terminal() || StatusUploaded.Terminal() {
		t.Fatalf("expected uploaded and processing to be non-terminal")
	}
	if CanTransition(StatusCompleted, StatusUploaded) {
		t.Fatalf("completed must not be reprocessable")
	}
}

func TestDocumentTypeValid(t *testing.T) {
	for _, docType := range DocumentTypes() {
		if !docType.Valid() {
			t.Fatalf("expected %s to be valid", docType)
		}
	}
	if DocumentType("business card").Valid() {
		t.Fatalf("raw label must not be valid before normalization")
	}
}

func TestExtractedFieldNamesSorted(t *testing.T) {
	fields := ExtractedFields{
		"total":       {Value: "1"},
		"date":        {Value: "2"},
		"vendor_name": {Value: "3"},
	}
	names := fields.Names()
	if len(names) != 3 || names[0] != "date" || names[1] != "total" || names[2] != "vendor_name" {
		t.Fatalf("unexpected order: %v", names)
	}
}
