package consensus

import "go.uber.org/zap"

// MessageKind is the kind of a PBFT consensus message.
type MessageKind int

const (
	Unset MessageKind = iota
	PrePrepare
	Prepare
	Commit
	BlockNew
	Checkpoint
	ViewChange
	NewView
	BlockRequest
	BlockResponse
)

// kindLabels is the canonical textual label of every kind.
var kindLabels = map[MessageKind]string{
	PrePrepare: "PrePrepare",
	Prepare:    "Prepare",
	Commit:     "Commit",
	BlockNew:   "BlockNew",
	Checkpoint: "Checkpoint",
	ViewChange: "ViewChange",
	NewView:    "NewView",
	Unset:      "Unset",

	BlockRequest:  "BlockRequest",
	BlockResponse: "BlockResponse",
}

// labelKinds is the reverse of kindLabels. Unset is deliberately absent.
var labelKinds = map[string]MessageKind{
	"PrePrepare": PrePrepare,
	"Prepare":    Prepare,
	"Commit":     Commit,
	"BlockNew":   BlockNew,
	"Checkpoint": Checkpoint,
	"ViewChange": ViewChange,
	"NewView":    NewView,

	"BlockRequest":  BlockRequest,
	"BlockResponse": BlockResponse,
}

// Classify maps a textual label to its kind. Unknown labels map to Unset and
// are reported on the given logger.
func Classify(text string, logger *zap.Logger) MessageKind {
	if kind, ok := labelKinds[text]; ok {
		return kind
	}
	if logger != nil {
		logger.Warn("unhandled PBFT message kind", zap.String("kind", text))
	}
	return Unset
}

// Label returns the textual label carried on the wire.
func (k MessageKind) Label() string {
	if l, ok := kindLabels[k]; ok {
		return l
	}
	return kindLabels[Unset]
}

// IsMulticast reports whether the kind belongs to the three-phase round.
func (k MessageKind) IsMulticast() bool {
	switch k {
	case PrePrepare, Prepare, Commit:
		return true
	default:
		return false
	}
}

// String returns the 2-character code used in compact log output.
func (k MessageKind) String() string {
	switch k {
	case PrePrepare:
		return "PP"
	case Prepare:
		return "Pr"
	case Commit:
		return "Co"
	case BlockNew:
		return "BN"
	case Checkpoint:
		return "CP"
	case ViewChange:
		return "VC"
	case NewView:
		return "NV"
	case BlockRequest:
		return "BQ"
	case BlockResponse:
		return "BR"
	default:
		return "Un"
	}
}
