package nats_test

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/0m3kk/eventbank/eventsrc"
	"github.com/0m3kk/eventbank/infra/nats"
	"github.com/0m3kk/eventbank/testutil"
)

type BrokerIntegrationSuite struct {
	suite.Suite
	container testcontainers.Container
	url       string
	broker    *nats.Broker
	js        natsgo.JetStreamContext
	conn      *natsgo.Conn
}

func TestBrokerIntegrationSuite(t *testing.T) {
	suite.Run(t, new(BrokerIntegrationSuite))
}

func (s *BrokerIntegrationSuite) SetupSuite() {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("could not start nats container: %s", err)
	}

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		log.Fatalf("could not get nats endpoint: %s", err)
	}

	s.container = container
	s.url = url
}

func (s *BrokerIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		if err := s.container.Terminate(context.Background()); err != nil {
			log.Fatalf("failed to terminate nats container: %s", err)
		}
	}
}

func (s *BrokerIntegrationSuite) SetupTest() {
	broker, err := nats.NewBroker(s.url)
	s.Require().NoError(err)
	s.broker = broker

	conn, err := natsgo.Connect(s.url)
	s.Require().NoError(err)
	js, err := conn.JetStream()
	s.Require().NoError(err)
	s.conn = conn
	s.js = js
}

func (s *BrokerIntegrationSuite) TearDownTest() {
	s.broker.Close()
	_ = s.js.DeleteStream("accounts")
	s.conn.Close()
}

func (s *BrokerIntegrationSuite) TestPublish_CreatesStreamAndDeduplicates() {
	// GIVEN
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec := testutil.Record(uuid.New(), 1, "")

	// WHEN the same record is published twice, e.g. after a rolled back outbox batch
	s.Require().NoError(s.broker.Publish(ctx, "accounts", rec))
	s.Require().NoError(s.broker.Publish(ctx, "accounts", rec))

	// THEN
	info, err := s.js.StreamInfo("accounts")
	s.Require().NoError(err)
	s.Equal(uint64(1), info.State.Msgs)

	msg, err := s.js.GetLastMsg("accounts", "accounts."+rec.AggregateID.String())
	s.Require().NoError(err)
	var published eventsrc.Record
	s.Require().NoError(json.Unmarshal(msg.Data, &published))
	s.Equal(rec.EventID, published.EventID)
	s.Equal(rec.Version, published.Version)
}

func (s *BrokerIntegrationSuite) TestPublish_RoutesBySubjectPerAggregate() {
	// GIVEN
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	first, second := uuid.New(), uuid.New()

	// WHEN
	s.Require().NoError(s.broker.Publish(ctx, "accounts", testutil.Record(first, 1, "")))
	s.Require().NoError(s.broker.Publish(ctx, "accounts", testutil.Record(first, 2, "")))
	s.Require().NoError(s.broker.Publish(ctx, "accounts", testutil.Record(second, 1, "")))

	// THEN
	sub, err := s.js.SubscribeSync("accounts."+first.String(), natsgo.DeliverAll())
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	var versions []int
	for range 2 {
		msg, err := sub.NextMsg(5 * time.Second)
		s.Require().NoError(err)
		var rec eventsrc.Record
		s.Require().NoError(json.Unmarshal(msg.Data, &rec))
		versions = append(versions, rec.Version)
	}
	s.Equal([]int{1, 2}, versions)
	_, err = sub.NextMsg(200 * time.Millisecond)
	s.ErrorIs(err, natsgo.ErrTimeout)
}
