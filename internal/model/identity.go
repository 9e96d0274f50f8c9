package model

// Identity is the raw matching material for deduplication. The dedupe
// package normalizes it; callers pass provenance values as-is.
type Identity struct {
	Key    string `json:"key"`
	Domain string `json:"domain,omitempty"`
	Name   string `json:"name,omitempty"`
	Region string `json:"region,omitempty"`
}

// Rank orders two colliding records: higher Primary wins, then more Known
// signals.
type Rank struct {
	Primary float64 `json:"primary"`
	Known   int     `json:"known"`
}

// DedupeIdentity implements dedupe.Record for the pre-pass.
func (c Candidate) DedupeIdentity() Identity {
	return Identity{
		Key:    c.IdentityKey,
		Domain: c.Domain(),
		Name:   c.RawName,
		Region: c.Region,
	}
}

// DedupeRank implements dedupe.Record. Candidates at intake carry no
// running confidence yet, so every candidate ranks equal and ties fall
// through to the deduplicator's deterministic tie-breaks.
func (c Candidate) DedupeRank() Rank {
	return Rank{}
}

// DedupeIdentity implements dedupe.Record for a cascade state.
func (s *CascadeState) DedupeIdentity() Identity {
	return s.Candidate.DedupeIdentity()
}

// DedupeRank ranks cascade states by running confidence.
func (s *CascadeState) DedupeRank() Rank {
	return Rank{Primary: s.RunningConfidence, Known: CountKnown(s.Collected)}
}

// DedupeIdentity implements dedupe.Record for the post-pass.
func (l QualifiedLead) DedupeIdentity() Identity {
	return Identity{
		Key:    l.IdentityKey,
		Domain: l.Domain,
		Name:   l.Name,
		Region: l.Region,
	}
}

// DedupeRank ranks leads by aggregate score.
func (l QualifiedLead) DedupeRank() Rank {
	return Rank{Primary: float64(l.Score), Known: CountKnown(l.Signals)}
}
