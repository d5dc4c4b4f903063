package modes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
modes:
  - key: technical
    name: Technical
    system_instruction: You are a technical interviewer.
    opening_prompt: Say hello.
  - key: behavioral
    name: Behavioral
    description: STAR questions
    system_instruction: You are a behavioral interviewer.
    voice: Kore
`

func TestParse_BuildsSortedCatalog(t *testing.T) {
	cat, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	list := cat.List()
	require.Len(t, list, 2)
	assert.Equal(t, "behavioral", list[0].Key)
	assert.Equal(t, "technical", list[1].Key)
	assert.Equal(t, "Kore", list[0].Voice)

	m, err := cat.Lookup("technical")
	require.NoError(t, err)
	assert.Equal(t, "Say hello.", m.OpeningPrompt)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("modes:\n  - key: x\n    name: X\n    system_instruction: s\n    persona: extra\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		list []Mode
	}{
		{"empty", nil},
		{"bad key", []Mode{{Key: "Tech Nical", Name: "x", SystemInstruction: "s"}}},
		{"duplicate", []Mode{
			{Key: "a", Name: "A", SystemInstruction: "s"},
			{Key: "a", Name: "A2", SystemInstruction: "s"},
		}},
		{"missing name", []Mode{{Key: "a", SystemInstruction: "s"}}},
		{"missing instruction", []Mode{{Key: "a", Name: "A"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, Validate(tc.list))
		})
	}
}

func TestLookup_UnknownMode(t *testing.T) {
	_, err := Default().Lookup("astrology")
	assert.ErrorIs(t, err, ErrUnknownMode)

	var nilCat *Catalog
	_, err = nilCat.Lookup("technical")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestDefault_HasTechnicalMode(t *testing.T) {
	cat := Default()
	m, err := cat.Lookup("technical")
	require.NoError(t, err)
	assert.NotEmpty(t, m.SystemInstruction)
	assert.NotEmpty(t, m.OpeningPrompt)
	assert.Equal(t, len(builtins), cat.Len())
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cat, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
