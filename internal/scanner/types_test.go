package scanner

import "testing"

func TestDefaultSettingsAreValid(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("default settings must validate, got: %v", err)
	}
}

func TestValidateRejectsNonPositiveDPI(t *testing.T) {
	s := DefaultSettings()
	s.DPI = 0
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for zero DPI")
	}
}

func TestValidateRejectsZeroMaxPages(t *testing.T) {
	s := DefaultSettings()
	s.MaxPages = 0
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for maxPages=0")
	}
}

func TestValidateAllowsNegativeMaxPagesAsUnlimited(t *testing.T) {
	s := DefaultSettings()
	s.MaxPages = -1
	if err := s.Validate(); err != nil {
		t.Fatalf("expected -1 (unlimited) to be valid, got: %v", err)
	}
}

func TestValidateRejectsUnknownPixelType(t *testing.T) {
	s := DefaultSettings()
	s.PixelType = "SEPIA"
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for unsupported pixelType")
	}
}
