package model

// CandidateGroup is a set of related live records selected for one consolidation pass
type CandidateGroup struct {
	Tag     string
	Records []*Memory
}

// IDs returns the record IDs in group order
func (x *CandidateGroup) IDs() []MemoryID {
	ids := make([]MemoryID, 0, len(x.Records))
	for _, r := range x.Records {
		ids = append(ids, r.ID)
	}
	return ids
}

// ConsolidationResult is created once per successful pass and never mutated
type ConsolidationResult struct {
	Tag       string     `json:"tag"`
	MergedIDs []MemoryID `json:"merged_ids"`
	Summary   *Memory    `json:"summary_record"`
}
