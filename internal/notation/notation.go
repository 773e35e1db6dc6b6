// Package notation renders USI moves as KIF2-style display labels. Full
// KIF/KIF2 parsing is handled by internal/codec (stubbed, out of scope);
// this package only covers the label-rendering half needed for
// Node.move_label, ported from the reference Python's notation.py.
package notation

import (
	"fmt"
	"strings"

	"shogikifu/internal/sfen"
)

var fileZenkaku = map[int]string{
	1: "１", 2: "２", 3: "３", 4: "４", 5: "５", 6: "６", 7: "７", 8: "８", 9: "９",
}

var rankKanji = map[int]string{
	1: "一", 2: "二", 3: "三", 4: "四", 5: "五", 6: "六", 7: "七", 8: "八", 9: "九",
}

var pieceJa = map[string]string{
	"P": "歩", "L": "香", "N": "桂", "S": "銀", "G": "金", "B": "角", "R": "飛", "K": "玉",
	"+P": "と", "+L": "成香", "+N": "成桂", "+S": "成銀", "+B": "馬", "+R": "龍",
}

func fileRankFromRC(row, col int) (int, int) {
	return 9 - col, row + 1
}

func formatSquare(row, col int) string {
	file, rank := fileRankFromRC(row, col)
	return fileZenkaku[file] + rankKanji[rank]
}

func sideMark(side string) string {
	if side == "b" {
		return "▲"
	}
	return "△"
}

func normalizePieceToken(token string) string {
	if token == "" {
		return token
	}
	if strings.HasPrefix(token, "+") {
		return "+" + strings.ToUpper(token[len(token)-1:])
	}
	return strings.ToUpper(token[len(token)-1:])
}

func jaPieceFromToken(token string) string {
	norm := normalizePieceToken(token)
	if ja, ok := pieceJa[norm]; ok {
		return ja
	}
	return norm
}

// ToKIF2Label renders a USI move played from parentSfen as a KIF2-style
// label (e.g. "▲７六歩", "△同　銀", "▲５五角打").
func ToKIF2Label(parentSfen, moveUsi string, prevToRC *[2]int) (string, error) {
	pos, err := sfen.Parse(parentSfen)
	if err != nil {
		return "", err
	}
	mv, err := sfen.ParseMove(moveUsi)
	if err != nil {
		return "", err
	}

	toSq := formatSquare(mv.ToRow, mv.ToCol)
	if prevToRC != nil && prevToRC[0] == mv.ToRow && prevToRC[1] == mv.ToCol {
		toSq = "同　"
	}

	if mv.IsDrop {
		piece, ok := pieceJa[string(mv.DropPiece)]
		if !ok {
			piece = string(mv.DropPiece)
		}
		return fmt.Sprintf("%s%s%s打", sideMark(pos.Side), toSq, piece), nil
	}

	token := pos.Board[mv.FromRow][mv.FromCol]
	piece := jaPieceFromToken(token)
	suffix := ""
	if mv.Promote {
		suffix = "成"
	}
	return fmt.Sprintf("%s%s%s%s", sideMark(pos.Side), toSq, piece, suffix), nil
}
