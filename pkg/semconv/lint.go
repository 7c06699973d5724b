// Payload attribute linting against the convention registry
package semconv

import "strings"

// FindingKind classifies one lint finding.
type FindingKind int

const (
	// FindingUnknown flags a key the registry has never heard of.
	FindingUnknown FindingKind = iota
	// FindingDeprecated flags a key whose definition is deprecated.
	FindingDeprecated
)

func (k FindingKind) String() string {
	switch k {
	case FindingUnknown:
		return "unknown"
	case FindingDeprecated:
		return "deprecated"
	default:
		return "invalid"
	}
}

// Finding is one attribute key the registry objects to.
type Finding struct {
	Key  string
	Kind FindingKind
	Note string
}

// Lint checks attribute keys against the registry, in input order. Known,
// current keys produce no finding. Deprecated keys carry the registry's
// replacement advice; unknown keys carry a namespace hint when the key's
// namespace is at least registered. Keys in an application's own namespace
// count as unknown too; callers decide how loudly to warn.
func (r *Registry) Lint(keys []string) []Finding {
	var findings []Finding
	for _, key := range keys {
		attr := r.byAttrID[key]
		if attr == nil {
			findings = append(findings, Finding{
				Key:  key,
				Kind: FindingUnknown,
				Note: r.namespaceHint(key),
			})
			continue
		}
		if attr.IsDeprecated() {
			findings = append(findings, Finding{
				Key:  key,
				Kind: FindingDeprecated,
				Note: attr.DeprecationNote(),
			})
		}
	}
	return findings
}

// namespaceHint says whether the key's leading namespace is known, so a
// typo inside a real namespace reads differently from a fully foreign key.
func (r *Registry) namespaceHint(key string) string {
	ns, _, ok := strings.Cut(key, ".")
	if !ok {
		return ""
	}
	n := 0
	for id := range r.byAttrID {
		if strings.HasPrefix(id, ns+".") {
			n++
		}
	}
	if n == 0 {
		return ""
	}
	return "namespace " + ns + " is registered, but this key is not"
}
