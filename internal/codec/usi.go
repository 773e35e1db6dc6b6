package codec

import (
	"strings"

	"shogikifu/internal/apperr"
	"shogikifu/internal/sfen"
	"shogikifu/internal/tree"
)

// usiCodec implements Codec for the USI text format: either a bare
// whitespace-separated move list, or a full "position [startpos|sfen ...]
// [moves ...]" command, matching the reference Python's
// core/import_usi.py/parse_usi_text and core/export_usi.py.
type usiCodec struct{}

func (usiCodec) Format() Format { return FormatUSI }

func parseUSIText(text string) (string, []string, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return "", nil, apperr.New(apperr.Malformed, "empty text")
	}
	tokens := strings.Fields(strings.ReplaceAll(s, "\r", "\n"))
	if len(tokens) == 0 {
		return "", nil, apperr.New(apperr.Malformed, "empty text")
	}

	if tokens[0] != "position" {
		moves := make([]string, 0, len(tokens))
		for _, tok := range tokens {
			if _, err := sfen.ParseMove(tok); err != nil {
				return "", nil, apperr.New(apperr.Malformed, "invalid move token: "+tok)
			}
			moves = append(moves, tok)
		}
		return sfen.DefaultStart, moves, nil
	}

	if len(tokens) < 2 {
		return "", nil, apperr.New(apperr.Malformed, "invalid position command")
	}

	idx := 1
	var initialSfen string
	switch tokens[idx] {
	case "startpos":
		initialSfen = sfen.DefaultStart
		idx++
	case "sfen":
		if len(tokens) < idx+5 {
			return "", nil, apperr.New(apperr.Malformed, "position sfen requires 4 SFEN fields")
		}
		norm, err := sfen.Normalize(strings.Join(tokens[idx+1:idx+5], " "))
		if err != nil {
			return "", nil, err
		}
		initialSfen = norm
		idx += 5
	default:
		return "", nil, apperr.New(apperr.Malformed, "position must use startpos or sfen")
	}

	var moves []string
	if idx < len(tokens) {
		if tokens[idx] != "moves" {
			return "", nil, apperr.New(apperr.Malformed, "unexpected token after position base")
		}
		idx++
		for _, tok := range tokens[idx:] {
			if _, err := sfen.ParseMove(tok); err != nil {
				return "", nil, apperr.New(apperr.Malformed, "invalid move token: "+tok)
			}
			moves = append(moves, tok)
		}
	}
	return initialSfen, moves, nil
}

func (usiCodec) Parse(text, title string) (*tree.Game, []string, error) {
	initialSfen, moves, err := parseUSIText(text)
	if err != nil {
		return nil, nil, err
	}
	if title == "" {
		title = "Imported USI"
	}
	g, err := tree.New(title, initialSfen)
	if err != nil {
		return nil, nil, err
	}
	cur := g.RootNodeID
	for _, mv := range moves {
		cur, err = g.PlayMove(cur, mv)
		if err != nil {
			return nil, nil, err
		}
	}
	return g, nil, nil
}

// Emit renders the main line only (first children from root), matching the
// reference's export_usi.py. Branch export is an explicit open question
// deferred per SPEC_FULL.md / DESIGN.md.
func (usiCodec) Emit(g *tree.Game) (string, error) {
	moves, err := mainLineMoves(g)
	if err != nil {
		return "", err
	}
	return sfen.ToPositionCommand(g.InitialSFEN, moves)
}

func mainLineMoves(g *tree.Game) ([]string, error) {
	var moves []string
	cur := g.RootNodeID
	for {
		next := g.FirstChildOf(cur)
		if next == "" {
			break
		}
		n, err := g.GetNode(next)
		if err != nil {
			return nil, err
		}
		moves = append(moves, n.MoveUSI)
		cur = next
	}
	return moves, nil
}
