package mcpbridge

import "strings"

// nsSeparator is the canonical namespace delimiter for aggregated
// identifiers (spec §6, §9 open question: "__" is canonical, "://" is
// accepted only as legacy input).
const nsSeparator = "__"

// legacySeparator is accepted on input for resource URIs produced by older
// bridges, never emitted.
const legacySeparator = "://"

// normalize lowercases name and replaces every character outside
// [A-Za-z0-9_-] with "_". Idempotent: normalize(normalize(n)) == normalize(n).
func normalize(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
			b[i] = c
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// compose builds an aggregated identifier "<namespace>__<local>". With an
// empty namespace it returns local unchanged.
func compose(namespace, local string) string {
	if namespace == "" {
		return local
	}
	return namespace + nsSeparator + local
}

// split divides an externally visible identifier into (namespace, local) on
// the first occurrence of "__", falling back to the legacy "://" delimiter
// for resource URIs. ok is false if neither delimiter is present.
func split(id string) (ns, local string, ok bool) {
	if i := strings.Index(id, nsSeparator); i >= 0 {
		return id[:i], id[i+len(nsSeparator):], true
	}
	if i := strings.Index(id, legacySeparator); i >= 0 {
		return id[:i], id[i+len(legacySeparator):], true
	}
	return "", "", false
}
