package derecho

import "errors"

var (
	// ErrGroupClosed is returned when operating on a group that has shut down.
	ErrGroupClosed = errors.New("group closed")

	// ErrNotAMember is returned when an operation requires membership in a
	// subgroup this node does not belong to.
	ErrNotAMember = errors.New("not a member of subgroup")

	// ErrNotASender is returned when sending in a subgroup where this node
	// is not flagged as a sender.
	ErrNotASender = errors.New("not a sender in subgroup")

	// ErrUnknownSendAlgorithm is returned for an unrecognized bulk-multicast
	// algorithm name in the configuration.
	ErrUnknownSendAlgorithm = errors.New("unknown rdmc send algorithm")

	// ErrShortHeader is returned when a message buffer is too small to hold
	// a valid header.
	ErrShortHeader = errors.New("message shorter than header")

	// ErrPayloadTooLarge is returned when a send exceeds the maximum payload
	// size for its subgroup.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum message size")

	// ErrInadequateProvisioning is returned by a membership function that
	// cannot produce a legal subgroup layout from the current membership.
	ErrInadequateProvisioning = errors.New("inadequately provisioned view")

	// ErrPartitioned is returned when committing the pending departures
	// would take the view below a majority of the prior view.
	ErrPartitioned = errors.New("view change would partition the group")

	// ErrNodeIDOutOfRange is returned when a node id meets or exceeds the
	// configured max-node-id.
	ErrNodeIDOutOfRange = errors.New("node id out of range")
)
