package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/bank/app"
	"github.com/0m3kk/eventbank/bank/domain/money"
	"github.com/0m3kk/eventbank/eventsrc"
)

// Accounts is the request-layer view of the account service.
type Accounts interface {
	Create(ctx context.Context) (uuid.UUID, error)
	Deposit(ctx context.Context, id uuid.UUID, amount money.EuroCent) (uuid.UUID, error)
	Withdraw(ctx context.Context, id uuid.UUID, amount money.EuroCent) (uuid.UUID, error)
	Balance(ctx context.Context, id uuid.UUID) (money.EuroCent, error)
}

// Config holds the listen address and the graceful shutdown budget.
type Config struct {
	Addr            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server serves the bank HTTP API.
type Server struct {
	cfg      Config
	accounts Accounts
	router   *gin.Engine
}

type amountRequest struct {
	Amount *uint64 `json:"amount" binding:"required"`
}

type balanceResponse struct {
	ID      uuid.UUID      `json:"id"`
	Balance money.EuroCent `json:"balance"`
	Display string         `json:"display"`
}

func New(cfg Config, accounts Accounts) *Server {
	s := &Server{cfg: cfg, accounts: accounts, router: gin.New()}
	s.router.Use(gin.Recovery(), requestLogger())

	s.router.GET("/", s.root)
	s.router.POST("/accounts", s.createAccount)
	s.router.GET("/accounts/:id", s.getAccount)
	s.router.POST("/accounts/:id/deposits", s.deposit)
	s.router.POST("/accounts/:id/withdrawals", s.withdraw)
	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down, giving in-flight requests
// up to the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Addr, strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server completed with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server completed with error: %w", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}

func (s *Server) root(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) createAccount(c *gin.Context) {
	id, err := s.accounts.Create(c.Request.Context())
	if err != nil {
		s.respondWithError(c, "Cannot create account", uuid.Nil, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/accounts/%s", id))
	c.Status(http.StatusCreated)
}

func (s *Server) getAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}

	balance, err := s.accounts.Balance(c.Request.Context(), id)
	if err != nil {
		s.respondWithError(c, "Cannot get balance", id, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{ID: id, Balance: balance, Display: balance.String()})
}

func (s *Server) deposit(c *gin.Context) {
	s.move(c, "deposits", "Cannot deposit", s.accounts.Deposit)
}

func (s *Server) withdraw(c *gin.Context) {
	s.move(c, "withdrawals", "Cannot withdraw", s.accounts.Withdraw)
}

func (s *Server) move(
	c *gin.Context,
	resource string,
	failure string,
	op func(ctx context.Context, id uuid.UUID, amount money.EuroCent) (uuid.UUID, error),
) {
	id, ok := accountID(c)
	if !ok {
		return
	}

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	opID, err := op(c.Request.Context(), id, money.EuroCent(*req.Amount))
	if err != nil {
		s.respondWithError(c, failure, id, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/accounts/%s/%s/%s", id, resource, opID))
	c.Status(http.StatusCreated)
}

func accountID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondWithMessage(c, http.StatusBadRequest, "Invalid account ID")
		return uuid.Nil, false
	}
	return id, true
}

// respondWithError maps service errors to status codes. Rejections answer
// with the aggregate's own message. Only infrastructure failures are logged.
func (s *Server) respondWithError(c *gin.Context, failure string, id uuid.UUID, err error) {
	var rejected *eventsrc.RejectedError
	switch {
	case errors.Is(err, app.ErrAccountNotFound):
		respondWithMessage(c, http.StatusNotFound, "Account not found")
	case errors.As(err, &rejected):
		respondWithMessage(c, http.StatusBadRequest, rejected.Err.Error())
	default:
		slog.ErrorContext(c.Request.Context(), failure, "accountID", id, "error", err)
		c.Status(http.StatusInternalServerError)
	}
}

func respondWithMessage(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"message": message})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "Request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
