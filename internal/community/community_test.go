package community

import (
	"strings"
	"testing"

	"github.com/alayasiki/alayasiki/internal/domain"
	"github.com/alayasiki/alayasiki/internal/hyperindex"
)

func imageOf(nodes []int64, edges [][3]int64) hyperindex.Image {
	img := hyperindex.Image{}
	for _, id := range nodes {
		img.Nodes = append(img.Nodes, domain.Node{ID: id})
	}
	for _, e := range edges {
		img.Edges = append(img.Edges, domain.Edge{SourceID: e[0], TargetID: e[1], Weight: float64(e[2])})
	}
	return img
}

func TestDetect_TwoDenseCliquesSeparateIntoTwoCommunities(t *testing.T) {
	// clique {1,2,3} and clique {4,5,6} with a single weak bridge edge.
	nodes := []int64{1, 2, 3, 4, 5, 6}
	edges := [][3]int64{
		{1, 2, 5}, {2, 3, 5}, {1, 3, 5},
		{4, 5, 5}, {5, 6, 5}, {4, 6, 5},
		{3, 4, 1},
	}
	e := New(imageOf(nodes, edges), 3, 1.0)
	part := e.Detect(0)
	if len(part.Levels) == 0 {
		t.Fatal("expected at least one level")
	}
	finest := part.Levels[0]
	c1 := finest.NodeToComm[1]
	c4 := finest.NodeToComm[4]
	if c1 == c4 {
		t.Errorf("expected cliques in separate communities, both assigned %d", c1)
	}
	if finest.NodeToComm[2] != c1 || finest.NodeToComm[3] != c1 {
		t.Errorf("expected nodes 1,2,3 in same community, got %v", finest.NodeToComm)
	}
	if finest.NodeToComm[5] != c4 || finest.NodeToComm[6] != c4 {
		t.Errorf("expected nodes 4,5,6 in same community, got %v", finest.NodeToComm)
	}
}

func TestDetect_IsDeterministicAcrossRuns(t *testing.T) {
	nodes := []int64{1, 2, 3, 4}
	edges := [][3]int64{{1, 2, 3}, {2, 3, 3}, {3, 4, 1}}
	img := imageOf(nodes, edges)

	e1 := New(img, 3, 1.0)
	e2 := New(img, 3, 1.0)
	p1 := e1.Detect(0)
	p2 := e2.Detect(0)

	if len(p1.Levels) != len(p2.Levels) {
		t.Fatalf("level counts differ: %d vs %d", len(p1.Levels), len(p2.Levels))
	}
	for _, id := range nodes {
		if p1.Levels[0].NodeToComm[id] != p2.Levels[0].NodeToComm[id] {
			t.Errorf("assignment for node %d differs between runs: %d vs %d",
				id, p1.Levels[0].NodeToComm[id], p2.Levels[0].NodeToComm[id])
		}
	}
}

func TestDetect_DisconnectedComponentsNeverMerge(t *testing.T) {
	nodes := []int64{1, 2, 3, 4}
	edges := [][3]int64{{1, 2, 1}} // 3 and 4 are isolated singletons
	e := New(imageOf(nodes, edges), 3, 1.0)
	part := e.Detect(0)
	finest := part.Levels[0]
	if finest.NodeToComm[3] == finest.NodeToComm[4] {
		t.Error("isolated singleton nodes 3 and 4 should not share a community")
	}
	if finest.NodeToComm[1] != finest.NodeToComm[2] {
		t.Error("connected nodes 1 and 2 should share a community")
	}
}

func TestRefreshIncremental_NoOpWithoutPendingEdges(t *testing.T) {
	e := New(imageOf([]int64{1, 2}, nil), 3, 1.0)
	part := e.RefreshIncremental(1.0)
	if len(part.Levels) != 0 {
		t.Errorf("expected empty Partition with no pending edges, got %+v", part)
	}
}

func TestRefreshIncremental_DetectsAfterBufferedEdge(t *testing.T) {
	e := New(imageOf([]int64{1, 2, 3}, nil), 3, 1.0)
	e.AddEdgeIncremental(domain.Edge{SourceID: 1, TargetID: 2, Weight: 1.0})
	part := e.RefreshIncremental(1.0)
	if len(part.Levels) == 0 {
		t.Fatal("expected a non-empty Partition after a buffered edge")
	}
	if part.Levels[0].NodeToComm[1] != part.Levels[0].NodeToComm[2] {
		t.Error("expected nodes 1 and 2 to share a community after the incremental edge")
	}
}

func TestSummarize_JoinsMemberAndNeighborhoodMetadata(t *testing.T) {
	nodes := []int64{1, 2, 3}
	edges := [][3]int64{{1, 2, 1}, {2, 3, 1}}
	e := New(imageOf(nodes, edges), 3, 1.0)
	lookup := func(id int64) (domain.Node, bool) {
		meta := map[int64]string{1: "alpha", 2: "beta", 3: "gamma"}[id]
		return domain.Node{ID: id, Metadata: meta}, meta != ""
	}
	comm := Community{ID: 1, NodeIDs: []int64{1, 2}}
	got := Summarize(comm, e, lookup, func(members, neighborhood []domain.Node) string {
		var parts []string
		for _, n := range members {
			parts = append(parts, n.Metadata)
		}
		for _, n := range neighborhood {
			parts = append(parts, "border:"+n.Metadata)
		}
		return strings.Join(parts, ";")
	})
	if !strings.Contains(got, "alpha") || !strings.Contains(got, "beta") {
		t.Errorf("expected member metadata in summary, got %q", got)
	}
	if !strings.Contains(got, "border:gamma") {
		t.Errorf("expected node 3 as border neighborhood, got %q", got)
	}
}

func TestTopPageRank_ReturnsNonEmptySubsetSortedByRank(t *testing.T) {
	nodes := []int64{1, 2, 3, 4}
	edges := [][3]int64{{1, 2, 1}, {1, 3, 1}, {1, 4, 1}}
	e := New(imageOf(nodes, edges), 3, 1.0)
	top := e.TopPageRank(0.5)
	if len(top) == 0 {
		t.Fatal("expected non-empty TopPageRank result")
	}
	if len(top) > len(nodes) {
		t.Errorf("TopPageRank returned more ids than exist: %v", top)
	}
}
