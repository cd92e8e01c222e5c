package mapper

import (
	"time"

	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/types"
)

// ReverseOp is one destination → source write intention. Only project name
// and project archive status flow backwards; every other destination edit is
// overwritten by the next forward sync.
type ReverseOp struct {
	// Rename, when non-empty, is the new source project name.
	Rename string
	// SetArchived, when non-nil, is the new source archive flag.
	SetArchived *bool
	// EchoHash identifies this intention for echo suppression.
	EchoHash string
}

// ExtractProjectReverse compares a destination project page against the
// source project and returns the reverse writes that are due. The destination
// wins only when its edit strictly post-dates the engine's last write
// (lastEngineWrite); echo suppression against stored hashes is the caller's
// job.
func ExtractProjectReverse(page *notion.Page, source *types.SourceProject, lastEngineWrite time.Time) []ReverseOp {
	if page == nil || source == nil {
		return nil
	}
	if !page.LastEditedTime.After(lastEngineWrite) {
		return nil
	}

	var ops []ReverseOp
	if page.Title != "" && page.Title != source.Name {
		ops = append(ops, ReverseOp{
			Rename:   page.Title,
			EchoHash: ReverseNameHash(source.ID, page.Title),
		})
	}

	destArchived := page.Status == "Archived" || page.Archived
	if destArchived != source.Archived {
		archived := destArchived
		ops = append(ops, ReverseOp{
			SetArchived: &archived,
			EchoHash:    ReverseArchiveHash(source.ID, archived),
		})
	}
	return ops
}
