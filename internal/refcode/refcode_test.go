package refcode

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestSchoolCodeFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`)
	for i := 0; i < 200; i++ {
		code, err := SchoolCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !pattern.MatchString(code) {
			t.Fatalf("code %q does not match [A-Z]{3}[0-9]{3}", code)
		}
	}
}

func TestTimestampedReferenceFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^BATCH-[0-9A-Z]+-[0-9A-Z]{5}$`)
	ref, err := TimestampedReference(PrefixBatch)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !pattern.MatchString(ref) {
		t.Fatalf("reference %q has unexpected shape", ref)
	}
	if ref != strings.ToUpper(ref) {
		t.Fatalf("reference %q is not uppercase", ref)
	}
}

func TestTimestampedReferencePrefixes(t *testing.T) {
	for _, prefix := range []Prefix{PrefixSchool, PrefixBatch, PrefixRegistration, PrefixPayment, PrefixInvoice} {
		ref, err := TimestampedReference(prefix)
		if err != nil {
			t.Fatalf("generate %s: %v", prefix, err)
		}
		if !strings.HasPrefix(ref, string(prefix)+"-") {
			t.Fatalf("reference %q missing prefix %s", ref, prefix)
		}
	}
}

func TestInvoiceNumber(t *testing.T) {
	got, err := InvoiceNumber("ABC123", 7)
	if err != nil {
		t.Fatalf("invoice number: %v", err)
	}
	if got != "INV-ABC123-0007" {
		t.Fatalf("expected INV-ABC123-0007, got %s", got)
	}
	got, err = InvoiceNumber("ABC123", 12345)
	if err != nil {
		t.Fatalf("invoice number: %v", err)
	}
	if got != "INV-ABC123-12345" {
		t.Fatalf("expected INV-ABC123-12345, got %s", got)
	}
}

func TestInvoiceNumberRejectsNonPositiveSequence(t *testing.T) {
	for _, seq := range []int{0, -1} {
		if _, err := InvoiceNumber("ABC123", seq); !errors.Is(err, ErrInvalidSequence) {
			t.Fatalf("expected ErrInvalidSequence for %d, got %v", seq, err)
		}
	}
}
