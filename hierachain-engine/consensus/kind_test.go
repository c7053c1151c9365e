package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestClassifyKnownLabels(t *testing.T) {
	cases := map[string]MessageKind{
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
	for label, want := range cases {
		got := Classify(label, zap.NewNop())
		assert.Equal(t, want, got, label)
		assert.Equal(t, label, got.Label(), "label must round-trip")
	}
}

func TestClassifyUnknownLabel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	kind := Classify("Flibbertigibbet", zap.New(core))

	require.Equal(t, Unset, kind)
	assert.False(t, kind.IsMulticast())
	require.Equal(t, 1, logs.Len(), "unknown kinds must be reported")
	assert.Equal(t, "Flibbertigibbet", logs.All()[0].ContextMap()["kind"])
}

func TestClassifyDoesNotAcceptUnsetOrShortCodes(t *testing.T) {
	for _, text := range []string{"Unset", "PP", "prepare", "", "Commit "} {
		assert.Equal(t, Unset, Classify(text, nil), "%q", text)
	}
}

func TestIsMulticast(t *testing.T) {
	multicast := map[MessageKind]bool{
		PrePrepare: true,
		Prepare:    true,
		Commit:     true,
		BlockNew:   false,
		Checkpoint: false,
		ViewChange: false,
		NewView:    false,
		Unset:      false,

		BlockRequest:  false,
		BlockResponse: false,
	}
	for kind, want := range multicast {
		assert.Equal(t, want, kind.IsMulticast(), kind.Label())
	}
}

func TestKindShortCodes(t *testing.T) {
	codes := map[MessageKind]string{
		PrePrepare: "PP",
		Prepare:    "Pr",
		Commit:     "Co",
		BlockNew:   "BN",
		Checkpoint: "CP",
		ViewChange: "VC",
		NewView:    "NV",
		Unset:      "Un",

		BlockRequest:  "BQ",
		BlockResponse: "BR",
	}
	for kind, code := range codes {
		assert.Equal(t, code, kind.String())
		assert.Len(t, kind.String(), 2)
	}
	assert.Equal(t, "Un", MessageKind(99).String())
	assert.Equal(t, "Unset", MessageKind(99).Label())
}
