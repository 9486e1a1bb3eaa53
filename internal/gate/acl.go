package gate

import (
	"net"

	"github.com/mbd888/paygate/internal/keystore"
)

// ipAllowed reports whether clientIP satisfies the allowlist. Entries are
// exact IPs or CIDR blocks; an empty list allows any source.
func ipAllowed(clientIP string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// toolAllowed evaluates the effective ACL for one tool. Deny lists dominate.
// Each non-empty allow constraint must independently admit the tool, which
// gives intersection semantics: a scoped token can only narrow, never widen,
// the parent key's access. A token issued without a tool list does not
// narrow at all; a token carrying an empty list admits nothing.
func toolAllowed(tool string, rec *keystore.Record, tokenScoped bool, tokenTools []string, groups GroupPolicy) bool {
	denied := rec.DeniedTools
	var groupAllowed, groupDenied []string
	if groups != nil {
		groupAllowed = groups.AllowedTools(rec)
		groupDenied = groups.DeniedTools(rec)
	}
	if contains(denied, tool) || contains(groupDenied, tool) {
		return false
	}

	if len(rec.AllowedTools) > 0 && !contains(rec.AllowedTools, tool) {
		return false
	}
	if tokenScoped && tokenTools != nil && !contains(tokenTools, tool) {
		return false
	}
	if len(groupAllowed) > 0 && !contains(groupAllowed, tool) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
