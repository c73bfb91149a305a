// ABOUTME: Capability scope names and set operations for connection authorization
// ABOUTME: A connection only ever holds scopes it explicitly requested at handshake

package scope

// Scope names understood by the gateway. A method registered with an empty
// required scope is callable by any connection.
const (
	// Admin grants access to configuration and node administration methods.
	Admin = "operator.admin"

	// Approvals grants the ability to resolve pending exec approvals and to
	// receive exec.approval.requested broadcasts.
	Approvals = "operator.approvals"

	// ExecRequest grants the ability to submit exec approval requests.
	ExecRequest = "operator.exec.request"

	// Read is the minimal scope every connection receives. It covers
	// read-only methods that expose no security-sensitive state.
	Read = "operator.read"
)

// known is the set of scopes the gateway will grant.
var known = map[string]bool{
	Admin:       true,
	Approvals:   true,
	ExecRequest: true,
	Read:        true,
}

// Known reports whether s is a scope the gateway recognizes.
func Known(s string) bool {
	return known[s]
}

// Normalize filters a requested scope list down to the recognized scopes,
// removing duplicates and preserving request order. An empty or omitted
// request yields only the minimal Read scope - elevated scopes are never
// implied, they must be requested by name.
func Normalize(requested []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, s := range requested {
		if !known[s] || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if !seen[Read] {
		out = append(out, Read)
	}
	return out
}

// Has reports whether the scope set contains s.
func Has(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Satisfies reports whether the scope set satisfies a method's requirement.
// An empty requirement is satisfied by every connection.
func Satisfies(set []string, required string) bool {
	if required == "" {
		return true
	}
	return Has(set, required)
}
