package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/0m3kk/eventbank/bank/app"
	"github.com/0m3kk/eventbank/bank/domain/money"
	"github.com/0m3kk/eventbank/bank/server"
	"github.com/0m3kk/eventbank/infra/memory"
)

// ServerSuite runs the HTTP API against real accounts on the in-memory ledger.
type ServerSuite struct {
	suite.Suite
	ctx        context.Context
	cancel     context.CancelFunc
	factory    *app.AccountFactory
	terminated <-chan struct{}
	router     http.Handler
}

func TestServerSuite(t *testing.T) {
	gin.SetMode(gin.TestMode)
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	ledger := memory.NewLedger()
	ids, terminated := app.NewAccountIDs(s.ctx, ledger)
	factory, err := app.NewAccountFactory(s.ctx, app.FactoryConfig{
		CacheCapacity:   8,
		CacheBuffer:     8,
		EntityCmdBuffer: 4,
	}, ledger, memory.NewSnapshotStore())
	s.Require().NoError(err)

	s.factory = factory
	s.terminated = terminated
	s.router = server.New(server.Config{}, app.NewAccounts(ids, factory)).Handler()
}

func (s *ServerSuite) TearDownTest() {
	s.factory.Close()
	s.cancel()
	<-s.terminated
}

func (s *ServerSuite) do(method, url string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, url, nil)
	} else {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// createAccount creates an account and waits until it is visible to requests.
func (s *ServerSuite) createAccount() string {
	w := s.do(http.MethodPost, "/accounts", "")
	s.Require().Equal(http.StatusCreated, w.Code)
	location := w.Header().Get("Location")
	s.Require().True(strings.HasPrefix(location, "/accounts/"), location)

	s.Require().Eventually(func() bool {
		return s.do(http.MethodGet, location, "").Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)
	return location
}

func (s *ServerSuite) TestRoot() {
	w := s.do(http.MethodGet, "/", "")
	s.Equal(http.StatusOK, w.Code)
}

func (s *ServerSuite) TestDepositWithdrawAndBalance() {
	// GIVEN
	location := s.createAccount()

	// WHEN
	deposit := s.do(http.MethodPost, location+"/deposits", `{"amount": 4205}`)
	withdrawal := s.do(http.MethodPost, location+"/withdrawals", `{"amount": 5}`)

	// THEN
	s.Equal(http.StatusCreated, deposit.Code)
	s.Regexp("^"+location+"/deposits/[0-9a-f-]{36}$", deposit.Header().Get("Location"))
	s.Equal(http.StatusCreated, withdrawal.Code)
	s.Regexp("^"+location+"/withdrawals/[0-9a-f-]{36}$", withdrawal.Header().Get("Location"))

	w := s.do(http.MethodGet, location, "")
	s.Require().Equal(http.StatusOK, w.Code)
	var body struct {
		ID      uuid.UUID `json:"id"`
		Balance uint64    `json:"balance"`
		Display string    `json:"display"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal(strings.TrimPrefix(location, "/accounts/"), body.ID.String())
	s.Equal(uint64(4200), body.Balance)
	s.Equal("42.00", body.Display)
}

func (s *ServerSuite) TestWithdraw_InsufficientBalanceIsBadRequest() {
	// GIVEN
	location := s.createAccount()
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, location+"/deposits", `{"amount": 30}`).Code)

	// WHEN
	w := s.do(http.MethodPost, location+"/withdrawals", `{"amount": 31}`)

	// THEN
	s.Equal(http.StatusBadRequest, w.Code)
	var body struct {
		Message string `json:"message"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal("balance '0.30' insufficient to withdraw amount '0.31'", body.Message)
	s.Empty(w.Header().Get("Location"))
}

func (s *ServerSuite) TestUnknownAccount_NotFound() {
	location := fmt.Sprintf("/accounts/%s", uuid.New())

	s.Equal(http.StatusNotFound, s.do(http.MethodPost, location+"/deposits", `{"amount": 1}`).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, location+"/withdrawals", `{"amount": 1}`).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, location, "").Code)
}

func (s *ServerSuite) TestMalformedRequests_BadRequest() {
	location := s.createAccount()

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/accounts/not-a-uuid/deposits", `{"amount": 1}`).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/accounts/not-a-uuid", "").Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, location+"/deposits", `{}`).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, location+"/deposits", `{"amount": -1}`).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, location+"/deposits", `not json`).Code)
}

func (s *ServerSuite) TestInfrastructureFailure_InternalServerError() {
	router := server.New(server.Config{}, brokenAccounts{}).Handler()
	req := httptest.NewRequest(http.MethodPost, "/accounts", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	s.Equal(http.StatusInternalServerError, w.Code)
	s.Empty(w.Header().Get("Location"))
}

func (s *ServerSuite) TestRun_ShutsDownWhenContextIsDone() {
	// GIVEN
	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New(server.Config{Addr: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second}, brokenAccounts{})
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// WHEN
	cancel()

	// THEN
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("server did not shut down")
	}
}

var errLedgerDown = errors.New("ledger down")

type brokenAccounts struct{}

func (brokenAccounts) Create(context.Context) (uuid.UUID, error) {
	return uuid.Nil, errLedgerDown
}

func (brokenAccounts) Deposit(context.Context, uuid.UUID, money.EuroCent) (uuid.UUID, error) {
	return uuid.Nil, errLedgerDown
}

func (brokenAccounts) Withdraw(context.Context, uuid.UUID, money.EuroCent) (uuid.UUID, error) {
	return uuid.Nil, errLedgerDown
}

func (brokenAccounts) Balance(context.Context, uuid.UUID) (money.EuroCent, error) {
	return 0, errLedgerDown
}
