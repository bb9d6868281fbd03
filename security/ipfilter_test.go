package security

import "testing"

func TestIPFilter_LoopbackAlwaysPasses(t *testing.T) {
	f := NewIPFilter([]string{"10.0.0.0/8"}, nil)
	for _, ip := range []string{"127.0.0.1", "::1", "localhost"} {
		if !f.Allowed(ip) {
			t.Fatalf("loopback %q must always pass", ip)
		}
	}
}

func TestIPFilter_EmptyRulesAllowAll(t *testing.T) {
	f := NewIPFilter(nil, nil)
	if !f.Allowed("203.0.113.9") {
		t.Fatal("empty allow-list must allow all addresses")
	}
}

func TestIPFilter_WildcardAndLiteralRules(t *testing.T) {
	f := NewIPFilter([]string{"*"}, nil)
	if !f.Allowed("198.51.100.7") {
		t.Fatal("wildcard rule must match any address")
	}

	f = NewIPFilter([]string{"192.168.1.50"}, nil)
	if !f.Allowed("192.168.1.50") {
		t.Fatal("exact literal must match")
	}
	if f.Allowed("192.168.1.51") {
		t.Fatal("non-matching literal must be blocked")
	}
}

func TestIPFilter_CIDRAgreesWithBitmask(t *testing.T) {
	cases := []struct {
		rule string
		ip   string
		want bool
	}{
		{"0.0.0.0/0", "8.8.8.8", true},
		{"10.0.0.0/8", "10.255.255.255", true},
		{"10.0.0.0/8", "11.0.0.1", false},
		{"192.168.0.0/16", "192.168.44.9", true},
		{"192.168.0.0/16", "192.169.0.1", false},
		{"192.168.1.0/24", "192.168.1.200", true},
		{"192.168.1.0/24", "192.168.2.1", false},
		{"192.168.1.42/32", "192.168.1.42", true},
		{"192.168.1.42/32", "192.168.1.43", false},
		// Non-byte-aligned prefix: /20 keeps the top 4 bits of the third
		// octet, so 10.1.16.0/20 spans 10.1.16.0 - 10.1.31.255.
		{"10.1.16.0/20", "10.1.31.254", true},
		{"10.1.16.0/20", "10.1.32.1", false},
		{"10.1.16.0/20", "10.1.15.255", false},
	}

	for _, tc := range cases {
		f := NewIPFilter([]string{tc.rule}, nil)
		if got := f.Allowed(tc.ip); got != tc.want {
			t.Errorf("rule %s against %s = %v, want %v", tc.rule, tc.ip, got, tc.want)
		}
	}
}

func TestIPFilter_UnresolvableRuleIsSkipped(t *testing.T) {
	f := NewIPFilter([]string{"no-such-host.invalid", "198.51.100.7"}, nil)
	if !f.Allowed("198.51.100.7") {
		t.Fatal("later rules must still be consulted after an unresolvable one")
	}
	if f.Allowed("198.51.100.8") {
		t.Fatal("unresolvable rule must not match anything")
	}
}
