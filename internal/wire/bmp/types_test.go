package bmp

import "testing"

func TestParseRouteDistinguisher_ASNForm(t *testing.T) {
	rd, err := ParseRouteDistinguisher("65000:100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := RouteDistinguisher{0, 0, 0xFD, 0xE8, 0, 0, 0, 100}
	if rd != want {
		t.Fatalf("got %x, want %x", rd, want)
	}
}

func TestParseRouteDistinguisher_IPv4Form(t *testing.T) {
	rd, err := ParseRouteDistinguisher("10.0.0.1:42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := RouteDistinguisher{0, 1, 10, 0, 0, 1, 0, 42}
	if rd != want {
		t.Fatalf("got %x, want %x", rd, want)
	}
}

func TestParseRouteDistinguisher_MissingColon(t *testing.T) {
	if _, err := ParseRouteDistinguisher("65000"); err == nil {
		t.Fatal("expected error for missing ':'")
	}
}

func TestParseRouteDistinguisher_InvalidValue(t *testing.T) {
	if _, err := ParseRouteDistinguisher("65000:notanumber"); err == nil {
		t.Fatal("expected error for non-numeric value")
	}
}

func TestParseRouteDistinguisher_ASNTooLarge(t *testing.T) {
	if _, err := ParseRouteDistinguisher("left:100"); err == nil {
		t.Fatal("expected error when left side is neither an IPv4 address nor a 16-bit ASN")
	}
}

func TestParseRouteDistinguisher_32BitASNRejected(t *testing.T) {
	if _, err := ParseRouteDistinguisher("4200000000:100"); err == nil {
		t.Fatal("expected error for ASN exceeding 16 bits in text form")
	}
}
