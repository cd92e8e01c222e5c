package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Hash computes the idempotence basis for a forward write: sha-256 over the
// canonical JSON of the payload plus resolved relations. Multi-value arrays
// are sorted so that ordering differences never produce a spurious write.
func Hash(p *Payload, r *Resolved) string {
	canonical := struct {
		Payload  *Payload `json:"payload"`
		Resolved Resolved `json:"resolved"`
	}{
		Payload: p,
		Resolved: Resolved{
			ProjectPageID: r.ProjectPageID,
			AreaIDs:       sortedCopy(r.AreaIDs),
			PeopleIDs:     sortedCopy(r.PeopleIDs),
		},
	}
	return HashJSON(canonical)
}

// HashJSON returns the hex sha-256 of v's canonical JSON encoding. Struct
// field order is fixed by the type; map keys are sorted by encoding/json.
func HashJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Payloads are plain data; a marshal failure is a programming error.
		panic("mapper: canonical marshal: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReverseNameHash is the echo-suppression hash for a project rename
// intention flowing destination → source.
func ReverseNameHash(projectID, name string) string {
	return HashJSON(struct {
		Op        string `json:"op"`
		ProjectID string `json:"project_id"`
		Name      string `json:"name"`
	}{"rename", projectID, name})
}

// ReverseArchiveHash is the echo-suppression hash for a project
// archive/unarchive intention flowing destination → source.
func ReverseArchiveHash(projectID string, archived bool) string {
	return HashJSON(struct {
		Op        string `json:"op"`
		ProjectID string `json:"project_id"`
		Archived  bool   `json:"archived"`
	}{"archive", projectID, archived})
}

// NonAreaLabels returns the labels of L that do not canonicalize into the
// area set, preserving input order. Exposed for the label round-trip law.
func NonAreaLabels(labels []string, areaSet map[string]bool) []string {
	var out []string
	for _, l := range labels {
		if _, ok := areaLabel(l, areaSet); !ok {
			out = append(out, l)
		}
	}
	return out
}

// AreaNames returns the canonical area names found in labels, sorted.
func AreaNames(labels []string, areaSet map[string]bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range labels {
		if name, ok := areaLabel(l, areaSet); ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
