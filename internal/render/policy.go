package render

import "strings"

// Decision is the verdict for one intercepted request.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionFail
)

// InterceptedRequest is the slice of a Fetch.requestPaused event the
// policy needs.
type InterceptedRequest struct {
	URL          string
	Host         string
	ResourceType string
	// IsNavigation marks the main document request.
	IsNavigation bool
}

// Policy holds the stateless interception rules: a domain allow-list
// matched by suffix and a set of blocked resource types.
type Policy struct {
	AllowedDomains []string
	BlockedTypes   map[string]bool
}

// NewPolicy builds a policy from configuration.
func NewPolicy(allowedDomains []string, blockFonts bool) Policy {
	blocked := map[string]bool{}
	if blockFonts {
		blocked["Font"] = true
	}
	return Policy{AllowedDomains: allowedDomains, BlockedTypes: blocked}
}

// HostAllowed reports whether a host passes the allow-list. An empty list
// allows everything; entries match the whole host or any parent domain.
func (p Policy) HostAllowed(host string) bool {
	if len(p.AllowedDomains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, domain := range p.AllowedDomains {
		domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Decide returns the verdict for one intercepted request given the host of
// the primary navigation. The main document always continues. Any other
// request fails on a blocked resource type, even from the primary host;
// when an allow-list is configured it also fails on a host that is neither
// the primary host nor allow-listed.
func (p Policy) Decide(primaryHost string, req InterceptedRequest) Decision {
	if req.IsNavigation {
		return DecisionContinue
	}
	if p.BlockedTypes[req.ResourceType] {
		return DecisionFail
	}
	if len(p.AllowedDomains) > 0 {
		if strings.EqualFold(req.Host, primaryHost) {
			return DecisionContinue
		}
		if !p.HostAllowed(req.Host) {
			return DecisionFail
		}
	}
	return DecisionContinue
}
