package manager

import (
	"sort"

	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/modeltype"
)

// changeForwarder turns committed directory transactions into observer
// callbacks. Records are regrouped per type and reordered so consumers can
// apply them blindly: deletes first (children before parents), then updates,
// then adds (parents before children). One OnChangesComplete closes each
// type's stream.
type changeForwarder struct {
	m *SyncManager
}

func (f changeForwarder) HandleTransactionCompleteChangeEvent(writer directory.Writer, records []directory.ChangeRecord) {
	if len(records) == 0 {
		return
	}
	byType := make(map[modeltype.ModelType][]directory.ChangeRecord)
	var order []modeltype.ModelType
	for _, r := range records {
		if _, seen := byType[r.Type]; !seen {
			order = append(order, r.Type)
		}
		byType[r.Type] = append(byType[r.Type], r)
	}
	for _, t := range order {
		f.m.notifyObservers(func(o Observer) {
			o.OnChangesApplied(t, orderChangeRecords(byType[t]))
		})
		f.m.notifyObservers(func(o Observer) { o.OnChangesComplete(t) })
	}
}

// orderChangeRecords sorts one type's records into safe application order.
// Depth is computed over the parent links present in the batch itself;
// parents outside the batch count as depth zero.
func orderChangeRecords(records []directory.ChangeRecord) []directory.ChangeRecord {
	depthByID := make(map[directory.ID]int, len(records))
	parentByID := make(map[directory.ID]directory.ID, len(records))
	for _, r := range records {
		parentByID[r.ID] = r.ParentID
	}
	var depthOf func(id directory.ID, hops int) int
	depthOf = func(id directory.ID, hops int) int {
		if hops > len(records) {
			// Parent cycle in a corrupt batch; stop chasing.
			return hops
		}
		if d, ok := depthByID[id]; ok {
			return d
		}
		parent, ok := parentByID[id]
		if !ok {
			return 0
		}
		d := depthOf(parent, hops+1) + 1
		depthByID[id] = d
		return d
	}

	rank := func(c directory.ChangeType) int {
		switch c {
		case directory.ChangeDelete:
			return 0
		case directory.ChangeUpdate:
			return 1
		default:
			return 2
		}
	}

	out := append([]directory.ChangeRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Change), rank(out[j].Change)
		if ri != rj {
			return ri < rj
		}
		di, dj := depthOf(out[i].ID, 0), depthOf(out[j].ID, 0)
		if di != dj {
			if ri == 0 {
				// Deletes go leaf-up.
				return di > dj
			}
			// Adds and updates go parents-first.
			return di < dj
		}
		return false
	})
	return out
}
