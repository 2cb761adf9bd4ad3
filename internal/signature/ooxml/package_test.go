package ooxml

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rezonia/triphase-signer/internal/testutil"
)

func TestOpen_RemovesTemporaryCopy(t *testing.T) {
	dir := t.TempDir()
	r := NewReader(dir, nil)

	pkg, err := r.Open(testutil.MinimalDocx(t, "Hola"))
	require.NoError(t, err)
	assert.Equal(t, 0, pkg.SignatureCount())

	_, err = r.Open(testutil.Zip(t, [][2]string{{"a.txt", "a"}}))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpen_RemovalFailureIsAWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewReader(t.TempDir(), zap.New(core))
	r.remove = func(name string) error {
		os.Remove(name)
		return errors.New("device busy")
	}

	pkg, err := r.Open(testutil.MinimalDocx(t, "Hola"))
	require.NoError(t, err)
	assert.NotNil(t, pkg)

	entries := logs.FilterMessage("temporary file not removed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "device busy", entries[0].ContextMap()["error"])
}

func TestSignatureNumber(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"_xmlsignatures/sig1.xml", 1, true},
		{"_xmlsignatures/sig12.xml", 12, true},
		{"_xmlsignatures/origin.sigs", 0, false},
		{"_xmlsignatures/sigA.xml", 0, false},
		{"_xmlsignatures/_rels/sig1.xml.rels", 0, false},
		{"word/sig1.xml", 0, false},
	}
	for _, tt := range tests {
		got, ok := signatureNumber(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("signatureNumber(%q): got (%d, %v), want (%d, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSignatures_OrderedByNumber(t *testing.T) {
	pkg := &Package{parts: map[string][]byte{}}
	for _, n := range []string{"_xmlsignatures/sig10.xml", "_xmlsignatures/sig2.xml", "word/document.xml", "_xmlsignatures/sig1.xml"} {
		pkg.set(n, nil)
	}
	assert.Equal(t, []string{"_xmlsignatures/sig1.xml", "_xmlsignatures/sig2.xml", "_xmlsignatures/sig10.xml"}, pkg.Signatures())
}
