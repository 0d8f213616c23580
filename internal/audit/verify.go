package audit

import "fmt"

// VerifyResult contains detailed verification results
type VerifyResult struct {
	Valid          bool     `json:"valid"`
	Checked        int      `json:"checked"`
	ContentValid   int      `json:"content_valid"`
	ContentInvalid int      `json:"content_invalid"`
	LinkageValid   int      `json:"linkage_valid"`
	LinkageInvalid int      `json:"linkage_invalid"`
	Violations     []string `json:"violations,omitempty"`
}

// verifyEntries checks entries ordered newest first.
// Content: the stored hash matches the recomputed one. Linkage: prev_hash equals the older entry's hash.
func verifyEntries(entries []*Entry) *VerifyResult {
	result := &VerifyResult{Valid: true, Checked: len(entries)}

	for i, entry := range entries {
		computed := entry.ComputeHash()
		if computed == entry.Hash {
			result.ContentValid++
		} else {
			result.Valid = false
			result.ContentInvalid++
			result.Violations = append(result.Violations,
				fmt.Sprintf("CONTENT TAMPERED: entry %d hash mismatch (stored: %s, computed: %s)",
					entry.Sequence, short(entry.Hash), short(computed)))
		}

		// the oldest entry checked has nothing to link against
		if i == len(entries)-1 {
			result.LinkageValid++
			continue
		}
		older := entries[i+1]
		if entry.PrevHash == older.Hash {
			result.LinkageValid++
		} else {
			result.Valid = false
			result.LinkageInvalid++
			result.Violations = append(result.Violations,
				fmt.Sprintf("CHAIN BROKEN: entry %d prev_hash does not match entry %d hash",
					entry.Sequence, older.Sequence))
		}
	}

	return result
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
