package signlib

import (
	"context"
	"crypto"
	"crypto/x509"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/format"
	"github.com/rezonia/triphase-signer/internal/processor"
	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/internal/signature/cms"
	"github.com/rezonia/triphase-signer/internal/signature/ooxml"
	"github.com/rezonia/triphase-signer/internal/signature/pdf"
	"github.com/rezonia/triphase-signer/internal/signature/trust"
	xmlsig "github.com/rezonia/triphase-signer/internal/signature/xml"
)

// Options configures a Service
type Options struct {
	// Algorithm applies when a request names none
	Algorithm string

	// Trust anchors
	TrustRootsFile string
	TrustRoots     []*x509.Certificate
	SystemRoots    bool

	// Revocation
	CheckRevocation bool
	OCSPSoftFail    bool
	OCSPTimeout     time.Duration
	HTTPClient      *http.Client

	// PDF shadow attack check; page counts are numbers or "all"
	ShadowAttack   bool
	ShadowMaxPages string
	ShadowPages    string

	// TempDir receives temporary copies of OOXML packages
	TempDir string

	Logger *zap.Logger
	Clock  clockwork.Clock
}

// DefaultOptions returns default service options
func DefaultOptions() Options {
	return Options{
		Algorithm:       "SHA256withRSA",
		SystemRoots:     true,
		CheckRevocation: true,
		OCSPTimeout:     trust.DefaultOCSPTimeout,
		ShadowAttack:    true,
		ShadowMaxPages:  "all",
		ShadowPages:     "all",
	}
}

// Service runs the signing protocol and validates signed documents. It
// holds no per-request state and is safe for concurrent use.
type Service struct {
	opts       Options
	logger     *zap.Logger
	dispatcher *signature.Dispatcher
	reader     *ooxml.Reader
	processors map[processor.Kind]processor.Processor
}

// New creates a service with the given options
func New(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if _, err := signature.ParseAlgorithm(opts.Algorithm); err != nil {
		return nil, err
	}
	limit, err := pdf.ParsePageBound(opts.ShadowMaxPages)
	if err != nil {
		return nil, signature.ErrFormat("shadowMaxPages", err.Error(), err)
	}
	requested, err := pdf.ParsePageBound(opts.ShadowPages)
	if err != nil {
		return nil, signature.ErrFormat("shadowPages", err.Error(), err)
	}

	store, err := newStore(opts)
	if err != nil {
		return nil, err
	}
	cmsV := cms.NewValidator(store, opts.Logger.Named("cms"))
	xmlV := xmlsig.NewValidator(store, opts.Logger.Named("xml"))
	reader := ooxml.NewReader(opts.TempDir, opts.Logger.Named("ooxml"))
	dispatcher := signature.NewDispatcher(signature.Validators{
		PDF:   pdf.NewValidator(cmsV, pdf.ShadowOptions{Enabled: opts.ShadowAttack, MaxPages: limit}, opts.Logger.Named("pdf")),
		OOXML: ooxml.NewValidator(reader, xmlV, opts.Logger.Named("ooxml")),
		XML:   xmlV,
		CMS:   cmsV,
	})

	cfg := processor.Config{
		ShadowAttack: processor.ShadowAttack{Enabled: opts.ShadowAttack, MaxPages: limit, RequestedPages: requested},
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Validator:    dispatcher,
		TempDir:      opts.TempDir,
	}
	processors := make(map[processor.Kind]processor.Processor, len(processor.Kinds))
	for _, kind := range processor.Kinds {
		p, err := processor.New(kind, cfg)
		if err != nil {
			return nil, err
		}
		processors[kind] = p
	}

	return &Service{
		opts:       opts,
		logger:     opts.Logger,
		dispatcher: dispatcher,
		reader:     reader,
		processors: processors,
	}, nil
}

func newStore(opts Options) (*trust.Store, error) {
	topts := []trust.Option{
		trust.WithLogger(opts.Logger.Named("trust")),
		trust.WithCertsFromFile(opts.TrustRootsFile),
		trust.WithCertificates(opts.TrustRoots...),
	}
	if opts.OCSPTimeout > 0 {
		topts = append(topts, trust.WithOCSPTimeout(opts.OCSPTimeout))
	}
	if opts.OCSPSoftFail {
		topts = append(topts, trust.WithSoftFail())
	}
	if !opts.CheckRevocation {
		topts = append(topts, trust.WithoutRevocation())
	}
	if opts.HTTPClient != nil {
		topts = append(topts, trust.WithHTTPClient(opts.HTTPClient))
	}
	if opts.SystemRoots {
		return trust.NewStore(topts...)
	}
	return trust.NewEmptyStore(topts...)
}

// Request describes one signing operation
type Request struct {
	Format    Format
	Operation Operation
	// Algorithm is a JCA name such as SHA256withRSA. Empty selects the
	// service default.
	Algorithm string
	// Chain starts with the signer certificate
	Chain []*x509.Certificate
	Extra map[string]string
	// CheckSignatures validates existing signatures before a sign or
	// co-sign
	CheckSignatures bool
	// Targets selects the counter-signed signatures
	Targets CounterTarget
}

func (s *Service) algorithm(req Request) string {
	if req.Algorithm == "" {
		return s.opts.Algorithm
	}
	return req.Algorithm
}

// Processor returns the processor of a format
func (s *Service) Processor(f Format) (processor.Processor, error) {
	p, ok := s.processors[f]
	if !ok {
		return nil, signature.ErrFormat("format", "unknown signature format "+f.String(), nil)
	}
	return p, nil
}

// PreSign runs the first phase of req over data
func (s *Service) PreSign(ctx context.Context, data []byte, req Request) (*Session, error) {
	p, err := s.Processor(req.Format)
	if err != nil {
		return nil, err
	}
	alg := s.algorithm(req)
	switch req.Operation {
	case Sign:
		return p.PreSign(ctx, data, alg, req.Chain, req.Extra, req.CheckSignatures)
	case CoSign:
		return p.PreCoSign(ctx, data, alg, req.Chain, req.Extra, req.CheckSignatures)
	case CounterSign:
		return p.PreCounterSign(ctx, data, alg, req.Chain, req.Extra, req.Targets)
	}
	return nil, signature.ErrUnsupportedOperation(req.Format.String(), req.Operation.String())
}

// PostSign runs the last phase of req with a session whose signs carry PK1
func (s *Service) PostSign(ctx context.Context, data []byte, req Request, session *Session) ([]byte, error) {
	p, err := s.Processor(req.Format)
	if err != nil {
		return nil, err
	}
	alg := s.algorithm(req)
	switch req.Operation {
	case Sign:
		return p.PostSign(ctx, data, alg, req.Chain, session, req.Extra)
	case CoSign:
		return p.PostCoSign(ctx, data, alg, req.Chain, session, req.Extra)
	case CounterSign:
		return p.PostCounterSign(ctx, data, alg, req.Chain, session, req.Extra)
	}
	return nil, signature.ErrUnsupportedOperation(req.Format.String(), req.Operation.String())
}

// Generated reports the signature PostSign just produced for req. It
// carries the GENERATED verdict: nothing validated it independently.
func (s *Service) Generated(req Request) *Validation {
	var cert *x509.Certificate
	if len(req.Chain) > 0 {
		cert = req.Chain[0]
	}
	return signature.NewGenerated(req.Format.String(), cert, s.opts.Clock.Now())
}

// SignLocal runs both phases of req with a key held by this process
func (s *Service) SignLocal(ctx context.Context, data []byte, req Request, key crypto.Signer) ([]byte, *Validation, error) {
	session, err := s.PreSign(ctx, data, req)
	if err != nil {
		return nil, nil, err
	}
	if err := Complete(session, key, s.algorithm(req)); err != nil {
		return nil, nil, err
	}
	signed, err := s.PostSign(ctx, data, req, session)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("document signed locally",
		zap.Stringer("format", req.Format),
		zap.Stringer("operation", req.Operation),
		zap.Int("signs", session.Len()))
	return signed, s.Generated(req), nil
}

// Verify validates every signature of data
func (s *Service) Verify(ctx context.Context, data []byte, extra map[string]string) (*Validation, error) {
	return s.dispatcher.Validate(ctx, data, extra)
}

// VerifyBatch validates documents concurrently. Results keep the input
// order; the first error is returned along with the other results.
func (s *Service) VerifyBatch(ctx context.Context, docs [][]byte, extra map[string]string) ([]*Validation, error) {
	results := make([]*Validation, len(docs))
	errCh := make(chan error, len(docs))

	for i, doc := range docs {
		go func(idx int, data []byte) {
			result, err := s.Verify(ctx, data, extra)
			if err != nil {
				errCh <- err
				return
			}
			results[idx] = result
			errCh <- nil
		}(i, doc)
	}

	var firstErr error
	for range docs {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// Signers returns the signer tree of a signed document
func (s *Service) Signers(data []byte) (*SignerNode, error) {
	var (
		tree *SignerNode
		err  error
	)
	switch f := format.Classify(data); f {
	case format.PDF:
		tree, err = pdf.SignersTree(data)
	case format.OOXML:
		tree = s.reader.SignersStructure(data)
	case format.XML:
		tree = xmlsig.SignersTree(data)
	case format.CMS:
		var m *cms.Message
		if m, err = cms.Decode(data); err == nil {
			tree = m.SignersTree()
		}
	default:
		return nil, signature.ErrFormat(f.String(), "not a signed document", nil)
	}
	if err != nil {
		return nil, err
	}
	if tree == nil || tree.SignerCount() == 0 {
		return nil, signature.ErrNoSignature()
	}
	return tree, nil
}

// FileInfo describes a document without validating it
type FileInfo struct {
	Format   string `json:"format"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
	// Signable lists the signature formats that accept the document
	Signable []string `json:"signable,omitempty"`
}

// Info classifies data
func (s *Service) Info(data []byte) FileInfo {
	info := FileInfo{
		Format:   format.Classify(data).String(),
		MimeType: mimetype.Detect(data).String(),
		Size:     len(data),
	}
	for _, kind := range processor.Kinds {
		if s.processors[kind].IsValidDataFile(data) {
			info.Signable = append(info.Signable, kind.String())
		}
	}
	return info
}
