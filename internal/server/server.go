package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/signature"
	"github.com/rezonia/triphase-signer/pkg/signlib"
)

// Config holds server configuration
type Config struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Debug          bool
}

// Server represents the HTTP API server
type Server struct {
	config  *Config
	router  *gin.Engine
	service *signlib.Service
	logger  *zap.Logger
}

// NewServer creates a new API server
func NewServer(config *Config, service *signlib.Service, logger *zap.Logger) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Minute
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger, config.Debug))
	if config.MaxBodyBytes > 0 {
		router.Use(limitBody(config.MaxBodyBytes))
	}

	s := &Server{
		config:  config,
		router:  router,
		service: service,
		logger:  logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Split-phase signing
		v1.POST("/presign/:format/:operation", s.handlePresign)
		v1.POST("/postsign/:format/:operation", s.handlePostsign)

		// Validation of signed documents
		v1.POST("/verify", s.handleVerify)
		v1.POST("/signers", s.handleSigners)

		// Info endpoint
		v1.POST("/info", s.handleInfo)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// request parses the route parameters and JSON body of a signing call
func (s *Server) request(c *gin.Context) (signlib.Request, *SignRequest, bool) {
	var body SignRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return signlib.Request{}, nil, false
	}

	format, err := signlib.ParseFormat(c.Param("format"))
	if err != nil {
		s.fail(c, err)
		return signlib.Request{}, nil, false
	}
	op, err := signlib.ParseOperation(c.Param("operation"))
	if err != nil {
		s.fail(c, err)
		return signlib.Request{}, nil, false
	}
	targets, err := signlib.ParseCounterTarget(body.Targets)
	if err != nil {
		s.fail(c, err)
		return signlib.Request{}, nil, false
	}
	chain, err := signlib.ParseCertificates(body.Certificates)
	if err != nil {
		s.fail(c, err)
		return signlib.Request{}, nil, false
	}

	return signlib.Request{
		Format:          format,
		Operation:       op,
		Algorithm:       body.Algorithm,
		Chain:           chain,
		Extra:           body.Extra,
		CheckSignatures: body.CheckSignatures,
		Targets:         targets,
	}, &body, true
}

func (s *Server) handlePresign(c *gin.Context) {
	req, body, ok := s.request(c)
	if !ok {
		return
	}
	if len(body.Document) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty document"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	session, err := s.service.PreSign(ctx, body.Document, req)
	if err != nil {
		s.fail(c, err)
		return
	}
	encoded, err := signlib.EncodeSession(session)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, PresignResponse{
		Format:    req.Format.String(),
		Operation: req.Operation.String(),
		Session:   encoded,
		Signs:     session.Len(),
	})
}

func (s *Server) handlePostsign(c *gin.Context) {
	req, body, ok := s.request(c)
	if !ok {
		return
	}
	if len(body.Document) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty document"})
		return
	}
	if body.Session == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing session", Field: "session"})
		return
	}
	session, err := signlib.DecodeSession(body.Session)
	if err != nil {
		s.fail(c, signature.ErrProtocolState("session", "invalid session", err))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	signed, err := s.service.PostSign(ctx, body.Document, req, session)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, PostsignResponse{
		Format:    req.Format.String(),
		Operation: req.Operation.String(),
		Document:  signed,
		Result:    s.service.Generated(req),
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.service.Verify(ctx, body, queryExtra(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == signlib.OutcomeInvalid {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, VerifyResponse{Outcome: result.Outcome.String(), Validation: result})
}

func (s *Server) handleSigners(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}

	tree, err := s.service.Signers(body)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SignersResponse{Signers: tree.SignerCount(), Tree: tree})
}

func (s *Server) handleInfo(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.service.Info(body))
}

// Helper functions

func rawBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, ErrorResponse{Error: "failed to read request body"})
		return nil, false
	}

	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty request body"})
		return nil, false
	}
	return body, true
}

// queryExtra turns query parameters into validation options
func queryExtra(c *gin.Context) map[string]string {
	extra := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			extra[k] = v[len(v)-1]
		}
	}
	return extra
}

// fail writes err with the status of its code
func (s *Server) fail(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var se *signature.SignatureError
	switch {
	case errors.As(err, &se):
		resp.Code = se.Code
		resp.Field = se.Field
		if se.Validity != nil {
			resp.Validity = se.Validity.String()
		}
		status = statusOf(se.Code)
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = 499
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, resp)
}

func statusOf(code string) int {
	switch code {
	case signature.ErrCodeFormat, signature.ErrCodeAlgorithmNotSupported:
		return http.StatusBadRequest
	case signature.ErrCodeUnsupportedOperation:
		return http.StatusNotImplemented
	case signature.ErrCodeProtocolState:
		return http.StatusConflict
	case signature.ErrCodeValidationFailed, signature.ErrCodeInvalidSignature,
		signature.ErrCodeNoSignature, signature.ErrCodeChainInvalid:
		return http.StatusUnprocessableEntity
	case signature.ErrCodeOCSPUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// requestLogger logs one entry per request; debug mode logs successes too
func requestLogger(logger *zap.Logger, debug bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if !debug && status < http.StatusBadRequest {
			return
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny).String(); errs != "" {
			fields = append(fields, zap.String("errors", strings.TrimSpace(errs)))
		}
		logger.Info("request", fields...)
	}
}
