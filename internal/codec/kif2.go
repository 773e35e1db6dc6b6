package codec

import (
	"shogikifu/internal/apperr"
	"shogikifu/internal/tree"
)

// kif2Codec is a detect-only stub; see kif.go for rationale.
type kif2Codec struct{}

func (kif2Codec) Format() Format { return FormatKIF2 }

func (kif2Codec) Parse(text, title string) (*tree.Game, []string, error) {
	return nil, nil, apperr.New(apperr.UnsupportedFormat, "KIF2 import is not implemented")
}

func (kif2Codec) Emit(g *tree.Game) (string, error) {
	return "", apperr.New(apperr.UnsupportedFormat, "KIF2 export is not implemented")
}
