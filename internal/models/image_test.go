package models

import (
	"math"
	"testing"
)

func f(v float64) *float64 { return &v }

func TestGPSValidateDropsOnlyBadFields(t *testing.T) {
	gps := &GPSMetadata{
		Latitude:  f(91),
		Longitude: f(12.5),
		Altitude:  f(math.NaN()),
		Accuracy:  f(-1),
		Heading:   f(360),
	}

	errs := gps.Validate()
	if len(errs) != 4 {
		t.Fatalf("want 4 validation errors, got %d: %v", len(errs), errs)
	}

	if gps.Latitude != nil {
		t.Fatalf("out-of-range latitude must be dropped")
	}
	if gps.Longitude == nil || *gps.Longitude != 12.5 {
		t.Fatalf("valid longitude must survive")
	}
	if gps.Altitude != nil || gps.Accuracy != nil || gps.Heading != nil {
		t.Fatalf("bad altitude/accuracy/heading must be dropped")
	}
}

func TestGPSValidateAcceptsBoundaries(t *testing.T) {
	gps := &GPSMetadata{
		Latitude:  f(-90),
		Longitude: f(180),
		Heading:   f(0),
		Accuracy:  f(0),
	}
	if errs := gps.Validate(); len(errs) != 0 {
		t.Fatalf("boundary values are valid, got %v", errs)
	}
}

func TestGPSValidateNilReceiver(t *testing.T) {
	var gps *GPSMetadata
	if errs := gps.Validate(); errs != nil {
		t.Fatalf("nil metadata validates clean, got %v", errs)
	}
}
