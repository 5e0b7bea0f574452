package sst

// Layout fixes the schema of a table for one view. All members of a view
// derive the same Layout from the installed membership, so every peer agrees
// on field sizes and row offsets.
type Layout struct {
	// NumMembers is the number of rows; one per view member, in rank order.
	NumMembers int

	// NumSubgroups sizes the per-subgroup counter vectors.
	NumSubgroups int

	// NumReceivedSize is the total number of (subgroup, sender) counter
	// entries: the sum over subgroups of that subgroup's sender count.
	// Each subgroup's range begins at its num-received offset.
	NumReceivedSize int

	// SignatureSize is the byte length of one subgroup's signature region,
	// zero when the signed log is disabled.
	SignatureSize int

	// SlotsSize is the total byte length of the slot-plane ring region.
	SlotsSize int

	// IndexSize is the number of slot-plane publish counters.
	IndexSize int

	// MaxChanges caps pending change proposals. The slack above the member
	// count allows for a burst of joins while the group is small.
	MaxChanges int
}

// DefaultMaxChanges mirrors the extra headroom the change vector carries so
// a freshly started group can absorb many joins at once.
const DefaultMaxChanges = 100

// NewLayout returns a Layout for the given dimensions with the standard
// change-vector headroom.
func NewLayout(numMembers, numSubgroups, numReceivedSize, signatureSize, slotsSize, indexSize int) Layout {
	return Layout{
		NumMembers:      numMembers,
		NumSubgroups:    numSubgroups,
		NumReceivedSize: numReceivedSize,
		SignatureSize:   signatureSize,
		SlotsSize:       slotsSize,
		IndexSize:       indexSize,
		MaxChanges:      DefaultMaxChanges + numMembers,
	}
}

const changeProposalSize = 2 + 2 + 1

// RowSize returns the marshalled byte length of one row under the layout.
func (l Layout) RowSize() int {
	n := 0
	n += l.NumSubgroups * 8 // seq_num
	n += l.NumSubgroups * 8 // delivered_num
	n += l.NumSubgroups * l.SignatureSize
	n += l.NumSubgroups * 8 // persisted_num
	n += l.NumSubgroups * 8 // signed_num
	n += l.NumSubgroups * 8 // verified_num
	n += 4                  // vid
	n += l.NumMembers       // suspected
	n += l.MaxChanges * changeProposalSize
	n += l.MaxChanges * 4     // joiner_ips
	n += l.MaxChanges * 2 * 5 // joiner port vectors
	n += 4 * 4                // num_changes, num_committed, num_acked, num_installed
	n += l.NumReceivedSize * 4
	n += 1 // wedged
	n += l.NumReceivedSize * 4 // global_min
	n += l.NumSubgroups        // global_min_ready
	n += l.SlotsSize
	n += l.NumReceivedSize * 4 // num_received_sst
	n += l.IndexSize * 4
	n += l.NumSubgroups * 8 // local_stability_frontier
	n += 1                  // rip
	n += 8                  // heartbeat tick
	n += 8 + 8              // load_info, cache_models_info
	return n
}
