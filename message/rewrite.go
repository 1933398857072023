package message

import (
	"strings"

	"github.com/mjl-/mtacore/dns"
)

// CanonicalRewriter returns a Rewriter that canonicalizes the address in a
// header address: domains are lower-cased and IDNA-normalized to their ASCII
// form, addresses without domain are qualified with defaultDomain (if not
// zero). Comments and display names are kept. Values without address, like
// an empty group, are returned unchanged.
func CanonicalRewriter(defaultDomain dns.Domain) Rewriter {
	return func(addr string, flags Flags) string {
		spec := AddrSpec(addr)
		if spec == "" {
			return addr
		}
		canon := canonicalAddress(spec, defaultDomain)
		if canon == spec {
			return addr
		}
		return ExpandMacros(CrackAddr(addr), func(name byte) (string, bool) {
			if name == 'g' {
				return canon, true
			}
			return "", false
		})
	}
}

func canonicalAddress(addr string, defaultDomain dns.Domain) string {
	// Route addresses, "@a,@b:user@c", are left alone.
	if strings.HasPrefix(addr, "@") {
		return addr
	}
	i := lastUnquotedAt(addr)
	if i < 0 {
		if defaultDomain.IsZero() {
			return addr
		}
		return addr + "@" + defaultDomain.ASCII
	}
	local, domain := addr[:i], addr[i+1:]
	if strings.HasPrefix(domain, "[") {
		return addr
	}
	d, err := dns.ParseDomain(domain)
	if err != nil {
		return addr
	}
	return local + "@" + d.ASCII
}

func lastUnquotedAt(s string) int {
	at := -1
	var qmode bool
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			qmode = !qmode
		case '@':
			if !qmode {
				at = i
			}
		}
	}
	return at
}
