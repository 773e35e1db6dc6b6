package analysis

import "shogikifu/internal/sfen"

func positionCommand(initialSfen string, pathMoves []string) (string, error) {
	return sfen.ToPositionCommand(initialSfen, pathMoves)
}
