package security

import (
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// IPFilter evaluates a configured allow-list of IP rules against connecting
// peers. A rule is one of: the literal "*" (match all), a dotted-quad
// address, CIDR notation a.b.c.d/N, or a hostname resolved at check time.
//
// Loopback addresses always pass. An empty rule set allows every address;
// this permissive default is announced loudly at construction.
type IPFilter struct {
	log   *slog.Logger
	rules []string
}

// NewIPFilter constructs a filter over the given rules. Rules are trimmed;
// blank entries are dropped.
func NewIPFilter(rules []string, log *slog.Logger) *IPFilter {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cleaned := make([]string, 0, len(rules))
	for _, r := range rules {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		log.Warn("no IP allow-list configured; all source addresses are allowed")
	}
	return &IPFilter{log: log, rules: cleaned}
}

// Allowed reports whether the remote address passes the allow-list.
func (f *IPFilter) Allowed(remoteIP string) bool {
	if isLoopback(remoteIP) {
		return true
	}
	if len(f.rules) == 0 {
		return true
	}

	addr := net.ParseIP(remoteIP)
	if addr == nil {
		resolved, err := net.LookupIP(remoteIP)
		if err != nil || len(resolved) == 0 {
			f.log.Error("unresolvable remote address", slog.String("remote_ip", remoteIP))
			return false
		}
		addr = resolved[0]
	}

	for _, rule := range f.rules {
		if f.matchesRule(addr, rule) {
			f.log.Debug("address allowed by rule",
				slog.String("remote_ip", remoteIP), slog.String("rule", rule))
			return true
		}
	}

	f.log.Warn("address not in allow-list", slog.String("remote_ip", remoteIP))
	return false
}

func isLoopback(ip string) bool {
	if ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func (f *IPFilter) matchesRule(addr net.IP, rule string) bool {
	if rule == "*" {
		return true
	}

	if strings.Contains(rule, "/") {
		return matchesCIDR(addr, rule)
	}

	if ruleAddr := net.ParseIP(rule); ruleAddr != nil {
		return addr.Equal(ruleAddr)
	}

	// Anything else is treated as a hostname. A rule that fails to resolve is
	// skipped, not fatal.
	resolved, err := net.LookupIP(rule)
	if err != nil {
		f.log.Warn("skipping unresolvable allow-list rule", slog.String("rule", rule))
		return false
	}
	for _, ruleAddr := range resolved {
		if addr.Equal(ruleAddr) {
			return true
		}
	}
	return false
}

// matchesCIDR compares the first N bits of addr against the rule's network
// address: whole bytes for N/8, then the remaining N mod 8 bits masked with
// 0xFF << (8 - remainder) against the final partial byte.
func matchesCIDR(addr net.IP, cidr string) bool {
	netPart, bitsPart, ok := strings.Cut(cidr, "/")
	if !ok {
		return false
	}
	prefixLen, err := strconv.Atoi(bitsPart)
	if err != nil || prefixLen < 0 {
		return false
	}
	network := net.ParseIP(netPart)
	if network == nil {
		return false
	}

	addrBytes := canonicalBytes(addr)
	netBytes := canonicalBytes(network)
	if len(addrBytes) != len(netBytes) || prefixLen > len(netBytes)*8 {
		return false
	}

	fullBytes := prefixLen / 8
	remBits := prefixLen % 8

	for i := 0; i < fullBytes; i++ {
		if addrBytes[i] != netBytes[i] {
			return false
		}
	}
	if remBits > 0 {
		mask := byte(0xFF << (8 - remBits))
		return addrBytes[fullBytes]&mask == netBytes[fullBytes]&mask
	}
	return true
}

func canonicalBytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}
