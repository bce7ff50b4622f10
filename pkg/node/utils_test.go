package node

import (
	"testing"

	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

func TestNormalizeHostPort(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"node1", "node1:7946"},
		{"node1:9000", "node1:9000"},
		{"http://node1", "node1:7946"},
		{"https://node1:443/", "node1:443"},
		{" 10.0.0.1 ", "10.0.0.1:7946"},
		{"::1", "[::1]:7946"},
	}
	for _, tt := range tests {
		if got := NormalizeHostPort(tt.in, "7946"); got != tt.want {
			t.Errorf("NormalizeHostPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseHostPort(t *testing.T) {
	got, err := ParseHostPort("http://seed", "7946")
	if err != nil {
		t.Fatalf("ParseHostPort: %v", err)
	}
	if want := transport.NewAddress("seed", 7946); got != want {
		t.Fatalf("ParseHostPort = %v, want %v", got, want)
	}
	if _, err := ParseHostPort("seed:notaport", "7946"); err == nil {
		t.Fatal("ParseHostPort accepted a bad port")
	}
}
