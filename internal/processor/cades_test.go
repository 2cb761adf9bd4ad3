package processor_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/triphase-signer/internal/processor"
	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/cms"
	"github.com/rezonia/triphase-signer/internal/triphase"
)

func TestCAdES_Modes(t *testing.T) {
	content := []byte("datos firmados")
	tests := []struct {
		name     string
		extra    map[string]string
		detached bool
	}{
		{"implicit by default", nil, false},
		{"implicit", map[string]string{signature.ExtraMode: "implicit"}, false},
		{"explicit", map[string]string{signature.ExtraMode: "Explicit"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			der := f.signWith(t, f.processor(t, processor.CAdES), f.signer, content, false, tt.extra)

			m, err := cms.Parse(der)
			require.NoError(t, err)
			assert.Equal(t, tt.detached, m.Detached())
			require.Len(t, m.Signers, 1)
			assert.True(t, f.clock.Now().UTC().Truncate(time.Second).Equal(m.Signers[0].SigningTime))

			extra := map[string]string{}
			if tt.detached {
				extra[signature.ExtraData] = base64.StdEncoding.EncodeToString(content)
			} else {
				assert.Equal(t, content, m.Content)
			}
			result := f.validate(t, der, extra)
			assert.Equal(t, signature.OutcomeValid, result.Outcome, "%v %v", result.Validity, result.Warnings)
		})
	}
}

func TestCAdES_CoSign(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, processor.CAdES)
	der := f.signWith(t, p, f.signer, []byte("contrato"), false, nil)

	cosigner := f.ca.Issue(t, "Cofirmante")
	der = f.signWith(t, p, cosigner, der, true, nil)

	m, err := cms.Parse(der)
	require.NoError(t, err)
	require.Len(t, m.Signers, 2)
	assert.Equal(t, "Datos\n  Firmante\n  Cofirmante\n", m.SignersTree().String())

	result := f.validate(t, der, nil)
	assert.Equal(t, signature.OutcomeValid, result.Outcome, "%v %v", result.Validity, result.Warnings)
	assert.Len(t, result.Signers, 2)
}

func TestCAdES_CoSignDetached(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, processor.CAdES)
	content := []byte("contrato")
	explicit := map[string]string{signature.ExtraMode: "explicit"}
	der := f.signWith(t, p, f.signer, content, false, explicit)

	_, err := p.PreCoSign(context.Background(), der, algorithm, f.signer.Chain, nil, false)
	assert.True(t, signature.IsFormatError(err), "detached co-sign needs the data: %v", err)

	withData := map[string]string{signature.ExtraData: base64.StdEncoding.EncodeToString(content)}
	der = f.signWith(t, p, f.ca.Issue(t, "Cofirmante"), der, true, withData)

	result := f.validate(t, der, withData)
	assert.Equal(t, signature.OutcomeValid, result.Outcome, "%v %v", result.Validity, result.Warnings)
	assert.Len(t, result.Signers, 2)
}

func TestCAdES_CounterSign(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, processor.CAdES)
	der := f.signWith(t, p, f.signer, []byte("contrato"), false, nil)
	der = f.signWith(t, p, f.ca.Issue(t, "Cofirmante"), der, true, nil)

	der, session := f.counterSign(t, p, f.ca.Issue(t, "Contrafirmante"), der, processor.TargetLeaves)
	require.Equal(t, 2, session.Len())
	for i, want := range []string{"0", "1"} {
		target, _ := session.Sign(i).Get(triphase.KeyTarget)
		assert.Equal(t, want, target)
	}

	m, err := cms.Parse(der)
	require.NoError(t, err)
	assert.Len(t, m.All(), 4)
	assert.Equal(t, "Datos\n  Firmante\n    Contrafirmante\n  Cofirmante\n    Contrafirmante\n", m.SignersTree().String())

	// the whole tree gets a second level
	der, session = f.counterSign(t, p, f.ca.Issue(t, "Notario"), der, processor.TargetTree)
	assert.Equal(t, 4, session.Len())
	m, err = cms.Parse(der)
	require.NoError(t, err)
	assert.Len(t, m.All(), 8)

	result := f.validate(t, der, nil)
	assert.Equal(t, signature.OutcomeValid, result.Outcome, "%v %v", result.Validity, result.Warnings)
	assert.Len(t, result.Signers, 8)
}

func TestCAdES_PostSignDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(s *triphase.TriSign) []byte
	}{
		{"signing time", func(s *triphase.TriSign) []byte {
			at, _ := s.Time(triphase.KeyTime)
			s.SetTime(triphase.KeyTime, at.Add(time.Second))
			return []byte("contrato")
		}},
		{"unreadable time", func(s *triphase.TriSign) []byte {
			s.Set(triphase.KeyTime, "garbage")
			return []byte("contrato")
		}},
		{"content", func(*triphase.TriSign) []byte {
			return []byte("contrato modificado")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.processor(t, processor.CAdES)
			session, err := p.PreSign(context.Background(), []byte("contrato"), algorithm, f.signer.Chain, nil, false)
			require.NoError(t, err)
			complete(t, session, f.signer)
			data := tt.tamper(session.Sign(0))

			_, err = p.PostSign(context.Background(), data, algorithm, f.signer.Chain, session, nil)
			assert.True(t, signature.IsProtocolState(err), "%v", err)
		})
	}
}

func TestCAdES_CounterSignUnknownTarget(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, processor.CAdES)
	der := f.signWith(t, p, f.signer, []byte("contrato"), false, nil)

	session, err := p.PreCounterSign(context.Background(), der, algorithm, f.signer.Chain, nil, processor.TargetLeaves)
	require.NoError(t, err)
	complete(t, session, f.signer)
	session.Sign(0).Set(triphase.KeyTarget, "7")

	_, err = p.PostCounterSign(context.Background(), der, algorithm, f.signer.Chain, session, nil)
	assert.True(t, signature.IsProtocolState(err), "%v", err)
}

func TestCAdES_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.processor(t, processor.CAdES).PreSign(ctx, []byte("contrato"), algorithm, f.signer.Chain, nil, false)
	assert.ErrorIs(t, err, context.Canceled)
}
