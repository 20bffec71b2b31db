// Package constants defines the cross-cutting protocol and network defaults.
package constants

import "time"

// Routing Configuration
const (
	// Bucket size K=20, lookup parallelism alpha=3
	BucketSize = 20
	Alpha      = 3

	// Asymmetric split: only the bucket covering the local id's own
	// prefix range splits, down to this depth. Bounds the table at
	// (MaxBucketDepth+1) * BucketSize entries.
	MaxBucketDepth = 32

	// Per-bucket replacement cache size
	MaxReplacements = 10

	// Upper bound on iterative lookup rounds
	MaxLookupRounds = 32

	// Peers returned per FINDNODE answer and per lookup result
	FindNodesResultLimit = 32
	LookupResultLimit    = BucketSize
)

// Timing Configuration
const (
	// Per-RPC budget for courier requests
	RequestTimeout = 1200 * time.Millisecond

	// Maintenance cadence
	MaintenanceInterval = 30 * time.Second
	RevalidateInterval  = 10 * time.Second

	// A bucket with no contact for this long gets a refresh lookup
	BucketStaleAfter = 15 * time.Minute

	// Bulk-transfer session budgets
	TransferAcceptTimeout = 15 * time.Second
	TransferIOTimeout     = 60 * time.Second

	// Receiver-side request dedupe window
	DedupeWindow = 30 * time.Second
)

// Content Configuration
const (
	// CONTENT payloads at or below this ride inline in the reply
	// datagram; larger ones switch to a transfer session.
	InlineContentLimit = 1024

	// Hard cap on a single content payload
	MaxContentSize = 16 * 1024 * 1024 // 16 MiB

	// Default content store ceiling
	DefaultStorageCapacity = 1024 * 1024 * 1024 // 1 GiB

	// Ids per OFFER message
	MaxOfferKeys = 26
)

// Gossip Configuration
const (
	// Candidate pool taken from the table per gossip round
	GossipLookupLimit = 32

	// Fan-out: closest peers always offered, plus a random sample of
	// farther in-radius peers
	GossipNearSet = 4
	GossipFarSet  = 4

	// Offer queue depth and worker pool size
	OfferQueueSize = 64
	OfferWorkers   = 8
)

// Protocol Configuration
const (
	// Protocol version carried in every frame
	ProtocolVersion = 1

	// Default ports: overlay datagrams, transfer streams, control API
	DefaultOverlayPort  = 27520
	DefaultTransferPort = 27521
	DefaultControlPort  = 27522

	// ALPN protocol id for transfer streams
	TransferALPN = "combnet/1"

	// Hash algorithm for id derivation: BLAKE3-256
	HashAlgorithm = "blake3-256"
)

// Message Kinds
const (
	KindPing        = 1
	KindPong        = 2
	KindFindNode    = 3
	KindNodes       = 4
	KindFindContent = 5
	KindContent     = 6
	KindOffer       = 7
	KindAccept      = 8
)
