package domain

import "time"

// LSN is a write-ahead log sequence number. LSNs start at 1 and are strictly
// increasing; 0 means "no LSN assigned yet".
type LSN uint64

// Provenance records where a node or edge came from.
type Provenance struct {
	Source string `json:"source"`
	SpanLo int    `json:"span_lo"`
	SpanHi int    `json:"span_hi"`
	At     time.Time `json:"at"`
}

// Node is a graph entity: an embedding for vector search plus relation
// metadata for adjacency traversal. Nodes are never physically removed;
// deletion sets Tombstone.
type Node struct {
	ID         int64      `json:"id"`
	Embedding  []float32  `json:"embedding"`
	Metadata   string     `json:"metadata"`
	Provenance Provenance `json:"provenance"`
	Confidence float64    `json:"confidence"`
	ModelID    string     `json:"model_id"`
	Tombstone  bool       `json:"tombstone"`
}

// Edge is a directed relation between two node ids.
type Edge struct {
	SourceID   int64      `json:"source_id"`
	TargetID   int64      `json:"target_id"`
	RelType    int32      `json:"rel_type"`
	Weight     float64    `json:"weight"`
	Provenance Provenance `json:"provenance"`
	Confidence float64    `json:"confidence"`
	ModelID    string     `json:"model_id"`
}

// MutationKind tags which variant an IndexMutation carries.
type MutationKind uint8

const (
	MutationPutNode MutationKind = iota + 1
	MutationPutEdge
	MutationDeleteNode
)

// IndexMutation is one step of a Hyper-Index transaction. Exactly one of
// Node/Edge/DeleteID is populated, selected by Kind.
type IndexMutation struct {
	Kind     MutationKind
	Node     Node
	Edge     Edge
	DeleteID int64
}

func PutNode(n Node) IndexMutation      { return IndexMutation{Kind: MutationPutNode, Node: n} }
func PutEdge(e Edge) IndexMutation      { return IndexMutation{Kind: MutationPutEdge, Edge: e} }
func DeleteNode(id int64) IndexMutation { return IndexMutation{Kind: MutationDeleteNode, DeleteID: id} }

// ScoredID is one ANN search result.
type ScoredID struct {
	ID    int64
	Score float64
}

// Neighbor is one adjacency entry as seen from a source node.
type Neighbor struct {
	ID      int64
	RelType int32
	Weight  float64
}

// JobStatus is the lifecycle state of a job record.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is an ingestion-derived extraction task with reproducibility pins.
type Job struct {
	ID         string    `json:"id"`
	NodeID     int64     `json:"node_id"`
	Text       string    `json:"text"`
	ModelID    string    `json:"model_id"`
	SnapshotID string    `json:"snapshot_id"`
	Attempt    int       `json:"attempt"`
	Status     JobStatus `json:"status"`
}
