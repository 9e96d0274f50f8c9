// Package model defines the typed records that flow through the qualification pipeline.
package model

import "strings"

// Candidate represents a prospective business under evaluation.
//
// Provenance fields (RawName, RawDomain, Region, Vertical, DiscoverySource)
// are set at intake and never rewritten. ResolvedDomain may be attached once,
// when a detector establishes the business's domain.
type Candidate struct {
	IdentityKey     string `json:"identity_key"`
	RawName         string `json:"raw_name"`
	RawDomain       string `json:"raw_domain,omitempty"`
	Region          string `json:"region,omitempty"`
	Vertical        string `json:"vertical,omitempty"`
	DiscoverySource string `json:"discovery_source,omitempty"`
	ResolvedDomain  string `json:"resolved_domain,omitempty"`
}

// Domain returns the best known domain: the raw domain when present,
// otherwise the resolved one.
func (c Candidate) Domain() string {
	if strings.TrimSpace(c.RawDomain) != "" {
		return c.RawDomain
	}
	return c.ResolvedDomain
}

// AttachResolvedDomain records a detector-established domain. It only
// succeeds the first time and never overrides a raw domain.
func (c *Candidate) AttachResolvedDomain(domain string) bool {
	domain = strings.TrimSpace(domain)
	if domain == "" || c.ResolvedDomain != "" || strings.TrimSpace(c.RawDomain) != "" {
		return false
	}
	c.ResolvedDomain = domain
	return true
}
