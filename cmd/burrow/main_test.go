// ABOUTME: Tests for CLI helpers, mainly join URL parsing
// ABOUTME: Table-driven coverage of schemes, hosts, and the ceremony fragment

package main

import "testing"

func TestParseJoinURL(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantHost     string
		wantCeremony string
		wantErr      bool
	}{
		{
			name:         "plain http",
			raw:          "http://192.168.1.50:6969/join#abc123",
			wantHost:     "192.168.1.50:6969",
			wantCeremony: "abc123",
		},
		{
			name:         "https",
			raw:          "https://burrow.tailnet.ts.net/join#abc123",
			wantHost:     "burrow.tailnet.ts.net",
			wantCeremony: "abc123",
		},
		{
			name:         "no explicit port",
			raw:          "http://192.168.1.50/join#abc123",
			wantHost:     "192.168.1.50",
			wantCeremony: "abc123",
		},
		{name: "missing ceremony fragment", raw: "http://192.168.1.50:6969/join", wantErr: true},
		{name: "empty fragment", raw: "http://192.168.1.50:6969/join#", wantErr: true},
		{name: "wrong scheme", raw: "ftp://192.168.1.50/join#abc123", wantErr: true},
		{name: "no scheme", raw: "192.168.1.50:6969/join#abc123", wantErr: true},
		{name: "no host", raw: "http:///join#abc123", wantErr: true},
		{name: "not a url", raw: "http://bad url#abc", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ceremonyID, err := parseJoinURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseJoinURL(%q) expected an error, got host %q", tt.raw, u.Host)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJoinURL(%q) returned error: %v", tt.raw, err)
			}
			if u.Host != tt.wantHost {
				t.Errorf("parseJoinURL(%q) host = %q, want %q", tt.raw, u.Host, tt.wantHost)
			}
			if ceremonyID != tt.wantCeremony {
				t.Errorf("parseJoinURL(%q) ceremony = %q, want %q", tt.raw, ceremonyID, tt.wantCeremony)
			}
		})
	}
}
