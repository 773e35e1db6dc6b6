package codec

import (
	"shogikifu/internal/apperr"
	"shogikifu/internal/tree"
)

// kifCodec is a detect-only stub: KIF's verbose grammar (handicap headers,
// numbered move lines, variation notation) is a large separate body of
// work excluded by the specification's Non-goals. Parse/Emit are wired
// into the registry so /api/import reports the right detected format
// rather than falling through to Unknown, but both return
// UnsupportedFormat until a full grammar is implemented.
type kifCodec struct{}

func (kifCodec) Format() Format { return FormatKIF }

func (kifCodec) Parse(text, title string) (*tree.Game, []string, error) {
	return nil, nil, apperr.New(apperr.UnsupportedFormat, "KIF import is not implemented")
}

func (kifCodec) Emit(g *tree.Game) (string, error) {
	return "", apperr.New(apperr.UnsupportedFormat, "KIF export is not implemented")
}
