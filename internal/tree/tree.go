// Package tree implements the branching game-tree model: nodes keyed by
// parent_id, gapless order_index among siblings, and SFEN-cache coherence.
// Ported from the reference Python's core/gametree.py, generalized from
// dataclasses to receiver methods in the reference server's style.
package tree

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"shogikifu/internal/apperr"
	"shogikifu/internal/notation"
	"shogikifu/internal/sfen"
)

// Node is one position in a game's variation tree.
type Node struct {
	NodeID       string
	GameID       string
	ParentID     string // "" iff root
	OrderIndex   int
	MoveUSI      string // "" iff root
	MoveLabel    string
	Comment      string
	PositionSFEN string
	CreatedAt    time.Time
}

// Game is the in-memory authoritative tree for one game record.
type Game struct {
	GameID        string
	Title         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	InitialSFEN   string
	RootNodeID    string
	CurrentNodeID string
	Meta          map[string]any
	UIState       map[string]any

	nodes    map[string]*Node
	children map[string][]string // parent_id -> ordered child node ids
}

// New creates a fresh Game with a single root node at initialSfen (or the
// default starting position when empty).
func New(title, initialSfen string) (*Game, error) {
	norm, err := sfen.Normalize(initialSfen)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = "Untitled game"
	}
	now := time.Now().UTC()
	gameID := uuid.NewString()
	rootID := uuid.NewString()
	root := &Node{
		NodeID:       rootID,
		GameID:       gameID,
		ParentID:     "",
		OrderIndex:   0,
		MoveUSI:      "",
		MoveLabel:    "",
		Comment:      "",
		PositionSFEN: norm,
		CreatedAt:    now,
	}
	g := &Game{
		GameID:        gameID,
		Title:         title,
		CreatedAt:     now,
		UpdatedAt:     now,
		InitialSFEN:   norm,
		RootNodeID:    rootID,
		CurrentNodeID: rootID,
		Meta:          map[string]any{},
		UIState:       map[string]any{},
		nodes:         map[string]*Node{rootID: root},
		children:      map[string][]string{},
	}
	return g, nil
}

// Touch bumps UpdatedAt to now.
func (g *Game) Touch() {
	g.UpdatedAt = time.Now().UTC()
}

// GetNode returns the node by id, or apperr.UnknownNode.
func (g *Game) GetNode(nodeID string) (*Node, error) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil, apperr.New(apperr.UnknownNode, "no such node: "+nodeID)
	}
	return n, nil
}

// ChildrenOf returns the ordered list of child node ids for parentID.
func (g *Game) ChildrenOf(parentID string) []string {
	out := make([]string, len(g.children[parentID]))
	copy(out, g.children[parentID])
	return out
}

// ParentOf returns the parent node id, or "" for the root.
func (g *Game) ParentOf(nodeID string) (string, error) {
	n, err := g.GetNode(nodeID)
	if err != nil {
		return "", err
	}
	return n.ParentID, nil
}

// FirstChildOf returns the first child's id, or "" if nodeID has no
// children.
func (g *Game) FirstChildOf(nodeID string) string {
	kids := g.children[nodeID]
	if len(kids) == 0 {
		return ""
	}
	return kids[0]
}

func (g *Game) nextOrderIndex(parentID string) int {
	return len(g.children[parentID])
}

// PlayMove creates (or reuses, by dedup) a child of fromNodeID for moveUsi,
// updates CurrentNodeID, and returns the resulting node id.
func (g *Game) PlayMove(fromNodeID, moveUsi string) (string, error) {
	parent, err := g.GetNode(fromNodeID)
	if err != nil {
		return "", err
	}
	normalized := sfen.NormalizedMove(moveUsi)
	for _, childID := range g.children[fromNodeID] {
		child := g.nodes[childID]
		if sfen.NormalizedMove(child.MoveUSI) == normalized {
			g.CurrentNodeID = childID
			return childID, nil
		}
	}

	nextSfen, err := sfen.ApplyMove(parent.PositionSFEN, moveUsi)
	if err != nil {
		return "", err
	}

	var prevToRC *[2]int
	if parent.MoveUSI != "" {
		if mv, perr := sfen.ParseMove(parent.MoveUSI); perr == nil {
			prevToRC = &[2]int{mv.ToRow, mv.ToCol}
		}
	}
	label, err := notation.ToKIF2Label(parent.PositionSFEN, moveUsi, prevToRC)
	if err != nil {
		label = moveUsi
	}

	child := &Node{
		NodeID:       uuid.NewString(),
		GameID:       g.GameID,
		ParentID:     fromNodeID,
		OrderIndex:   g.nextOrderIndex(fromNodeID),
		MoveUSI:      moveUsi,
		MoveLabel:    label,
		PositionSFEN: nextSfen,
		CreatedAt:    time.Now().UTC(),
	}
	g.nodes[child.NodeID] = child
	g.children[fromNodeID] = append(g.children[fromNodeID], child.NodeID)
	g.CurrentNodeID = child.NodeID
	return child.NodeID, nil
}

// Jump sets CurrentNodeID to nodeID.
func (g *Game) Jump(nodeID string) error {
	if _, err := g.GetNode(nodeID); err != nil {
		return err
	}
	g.CurrentNodeID = nodeID
	return nil
}

// ReorderChildren rewrites order_index for parentID's children to match
// orderedChildIDs, which must be a permutation of the current children.
func (g *Game) ReorderChildren(parentID string, orderedChildIDs []string) error {
	current := g.children[parentID]
	if len(current) != len(orderedChildIDs) {
		return apperr.New(apperr.BadPermutation, "ordered list length mismatch")
	}
	seen := make(map[string]bool, len(current))
	for _, id := range current {
		seen[id] = true
	}
	given := make(map[string]bool, len(orderedChildIDs))
	for _, id := range orderedChildIDs {
		if !seen[id] || given[id] {
			return apperr.New(apperr.BadPermutation, "not a permutation of current children")
		}
		given[id] = true
	}
	for idx, id := range orderedChildIDs {
		g.nodes[id].OrderIndex = idx
	}
	g.children[parentID] = append([]string(nil), orderedChildIDs...)
	return nil
}

// SetComment replaces the comment text on nodeID.
func (g *Game) SetComment(nodeID, comment string) error {
	n, err := g.GetNode(nodeID)
	if err != nil {
		return err
	}
	n.Comment = comment
	return nil
}

// PathTo returns the root-to-node chain of node ids, detecting cycles.
func (g *Game) PathTo(nodeID string) ([]string, error) {
	var chain []string
	seen := map[string]bool{}
	cur := nodeID
	for cur != "" {
		if seen[cur] {
			return nil, apperr.New(apperr.Internal, "cycle detected in parent chain")
		}
		seen[cur] = true
		n, err := g.GetNode(cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cur)
		cur = n.ParentID
	}
	// reverse to root-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// CurrentPathMoves returns the move_usi sequence from root to CurrentNodeID.
func (g *Game) CurrentPathMoves() ([]string, error) {
	path, err := g.PathTo(g.CurrentNodeID)
	if err != nil {
		return nil, err
	}
	moves := make([]string, 0, len(path))
	for _, id := range path {
		n := g.nodes[id]
		if n.MoveUSI != "" {
			moves = append(moves, n.MoveUSI)
		}
	}
	return moves, nil
}

// CurrentPositionSFEN returns the cached SFEN at CurrentNodeID.
func (g *Game) CurrentPositionSFEN() (string, error) {
	n, err := g.GetNode(g.CurrentNodeID)
	if err != nil {
		return "", err
	}
	return n.PositionSFEN, nil
}

// GameRecord is the flat persistence projection of a Game's own fields.
type GameRecord struct {
	GameID        string
	Title         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	InitialSFEN   string
	RootNodeID    string
	CurrentNodeID string
	Meta          map[string]any
	UIState       map[string]any
}

// ToGameRecord projects the Game's own fields for persistence.
func (g *Game) ToGameRecord() GameRecord {
	return GameRecord{
		GameID: g.GameID, Title: g.Title, CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt,
		InitialSFEN: g.InitialSFEN, RootNodeID: g.RootNodeID, CurrentNodeID: g.CurrentNodeID,
		Meta: g.Meta, UIState: g.UIState,
	}
}

// ToNodeRecords projects every node for persistence, sorted so the root
// comes first followed by (parent_id, order_index, created_at, node_id).
func (g *Game) ToNodeRecords() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ParentID == "") != (b.ParentID == "") {
			return a.ParentID == ""
		}
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		if a.OrderIndex != b.OrderIndex {
			return a.OrderIndex < b.OrderIndex
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.NodeID < b.NodeID
	})
	return out
}

// ChildrenIndex is the parent_id -> ordered child ids map used by the wire
// format.
func (g *Game) ChildrenIndex() map[string][]string {
	out := make(map[string][]string, len(g.children))
	for k, v := range g.children {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// FromRows reconstructs a Game from flat persisted rows (a GameRecord plus
// every node row, in any order).
func FromRows(rec GameRecord, nodes []*Node) *Game {
	g := &Game{
		GameID: rec.GameID, Title: rec.Title, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt,
		InitialSFEN: rec.InitialSFEN, RootNodeID: rec.RootNodeID, CurrentNodeID: rec.CurrentNodeID,
		Meta: rec.Meta, UIState: rec.UIState,
		nodes:    make(map[string]*Node, len(nodes)),
		children: map[string][]string{},
	}
	for _, n := range nodes {
		g.nodes[n.NodeID] = n
	}
	for _, n := range nodes {
		if n.ParentID == "" {
			continue
		}
		g.children[n.ParentID] = append(g.children[n.ParentID], n.NodeID)
	}
	for parentID := range g.children {
		kids := g.children[parentID]
		sort.Slice(kids, func(i, j int) bool {
			return g.nodes[kids[i]].OrderIndex < g.nodes[kids[j]].OrderIndex
		})
	}
	return g
}

// Wire is the FullGameState projection sent to clients.
type Wire struct {
	GameID              string         `json:"game_id"`
	Title               string         `json:"title"`
	Meta                map[string]any `json:"meta"`
	UIState             map[string]any `json:"ui_state"`
	InitialSFEN         string         `json:"initial_sfen"`
	CurrentPositionSFEN string         `json:"current_position_sfen"`
	RootNodeID          string         `json:"root_node_id"`
	CurrentNodeID       string         `json:"current_node_id"`
	Nodes               []WireNode     `json:"nodes"`
	ChildrenIndex       map[string][]string `json:"children_index"`
	CurrentPathNodeIDs  []string       `json:"current_path_node_ids"`
	CurrentPathMoves    []string       `json:"current_path_moves"`
}

// WireNode is the flat per-node projection within Wire.
type WireNode struct {
	NodeID       string `json:"node_id"`
	ParentID     string `json:"parent_id"`
	OrderIndex   int    `json:"order_index"`
	MoveUSI      string `json:"move_usi"`
	MoveLabel    string `json:"move_label"`
	Comment      string `json:"comment"`
	PositionSFEN string `json:"position_sfen"`
}

// ToWire builds the full wire-format projection of the game.
func (g *Game) ToWire() (Wire, error) {
	currentSfen, err := g.CurrentPositionSFEN()
	if err != nil {
		return Wire{}, err
	}
	path, err := g.PathTo(g.CurrentNodeID)
	if err != nil {
		return Wire{}, err
	}
	moves, err := g.CurrentPathMoves()
	if err != nil {
		return Wire{}, err
	}
	nodes := g.ToNodeRecords()
	wireNodes := make([]WireNode, len(nodes))
	for i, n := range nodes {
		wireNodes[i] = WireNode{
			NodeID: n.NodeID, ParentID: n.ParentID, OrderIndex: n.OrderIndex,
			MoveUSI: n.MoveUSI, MoveLabel: n.MoveLabel, Comment: n.Comment,
			PositionSFEN: n.PositionSFEN,
		}
	}
	return Wire{
		GameID: g.GameID, Title: g.Title, Meta: g.Meta, UIState: g.UIState,
		InitialSFEN: g.InitialSFEN, CurrentPositionSFEN: currentSfen,
		RootNodeID: g.RootNodeID, CurrentNodeID: g.CurrentNodeID,
		Nodes: wireNodes, ChildrenIndex: g.ChildrenIndex(),
		CurrentPathNodeIDs: path, CurrentPathMoves: moves,
	}, nil
}
