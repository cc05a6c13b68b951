package target

import (
	"errors"
	"testing"
)

func TestExpandSingle(t *testing.T) {
	eps, err := Expand("192.168.2.156:10000")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("len = %d, want 1", len(eps))
	}
	want := Endpoint{IP: "192.168.2.156", Port: 10000, LastOctet: 156}
	if eps[0] != want {
		t.Errorf("endpoint = %+v, want %+v", eps[0], want)
	}
	if eps[0].Addr() != "192.168.2.156:10000" {
		t.Errorf("Addr = %q", eps[0].Addr())
	}
	if eps[0].DefaultLocalPort() != 10156 {
		t.Errorf("DefaultLocalPort = %d, want 10156", eps[0].DefaultLocalPort())
	}
}

func TestExpandRangeInclusive(t *testing.T) {
	eps, err := Expand("192.168.2.150-160:10000")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(eps) != 11 {
		t.Fatalf("len = %d, want 11", len(eps))
	}
	if eps[0].IP != "192.168.2.150" || eps[10].IP != "192.168.2.160" {
		t.Errorf("bounds = %s .. %s", eps[0].IP, eps[10].IP)
	}
	for i, ep := range eps {
		if ep.Port != 10000 {
			t.Errorf("eps[%d].Port = %d", i, ep.Port)
		}
		if ep.LastOctet != uint8(150+i) {
			t.Errorf("eps[%d].LastOctet = %d, want %d", i, ep.LastOctet, 150+i)
		}
	}
}

func TestExpandSingleElementRange(t *testing.T) {
	eps, err := Expand("10.0.0.5-5:9999")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(eps) != 1 || eps[0].IP != "10.0.0.5" {
		t.Errorf("eps = %+v", eps)
	}
}

func TestExpandRejections(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		wantErr error
	}{
		{"cidr", "192.168.1.0/24:10000", ErrUnsupportedSyntax},
		{"wildcard", "192.168.1.*:10000", ErrUnsupportedSyntax},
		{"empty", "", ErrInvalidFormat},
		{"no port", "192.168.1.1", ErrInvalidFormat},
		{"empty port", "192.168.1.1:", ErrInvalidFormat},
		{"empty host", ":10000", ErrInvalidFormat},
		{"bad port", "192.168.1.1:http", ErrInvalidFormat},
		{"port overflow", "192.168.1.1:70000", ErrInvalidFormat},
		{"three octets", "192.168.1:10000", ErrInvalidFormat},
		{"octet overflow", "192.168.1.300:10000", ErrInvalidFormat},
		{"reversed range", "192.168.1.160-150:10000", ErrInvalidRange},
		{"bad range start", "192.168.1.x-150:10000", ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Expand(tt.target)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expand(%q) err = %v, want %v", tt.target, err, tt.wantErr)
			}
		})
	}
}
