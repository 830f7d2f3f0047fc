//go:build integration

package fieldstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"visitorid/internal/fieldstore"
	"visitorid/pkg/testutil/containers"
)

const integrationOrg = "0123456789ABCDEF@AdobeOrg"

type RedisPersisterSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisPersisterSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisPersisterSuite))
}

func (s *RedisPersisterSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *RedisPersisterSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisPersisterSuite) TestRoundTrip() {
	ctx := context.Background()
	p := fieldstore.NewRedisPersister(s.redis.Client, integrationOrg, uuid.NewString(), time.Hour)

	blob, err := p.Load(ctx)
	s.Require().NoError(err)
	s.Empty(blob)

	s.Require().NoError(p.Save(ctx, "1|MCMID|123"))
	blob, err = p.Load(ctx)
	s.Require().NoError(err)
	s.Equal("1|MCMID|123", blob)

	ttl, err := s.redis.Client.TTL(ctx, p.Key()).Result()
	s.Require().NoError(err)
	s.Greater(ttl, 59*time.Minute)
}

func (s *RedisPersisterSuite) TestStoreOverRedis() {
	key := uuid.NewString()
	first := fieldstore.New(fieldstore.NewRedisPersister(s.redis.Client, integrationOrg, key, 0), 7)
	first.Set("MCMID", "123")

	second := fieldstore.New(fieldstore.NewRedisPersister(s.redis.Client, integrationOrg, key, 0), 7)
	v, ok := second.Get("MCMID", false)
	s.True(ok)
	s.Equal("123", v)
}

type PostgresPersisterSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
}

func TestPostgresPersisterSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresPersisterSuite))
}

func (s *PostgresPersisterSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.Require().NoError(fieldstore.EnsureSchema(context.Background(), s.postgres.DB))
}

func (s *PostgresPersisterSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "visitor_blobs"))
}

func (s *PostgresPersisterSuite) TestUpsert() {
	ctx := context.Background()
	p := fieldstore.NewPostgresPersister(s.postgres.DB, integrationOrg, uuid.NewString())

	blob, err := p.Load(ctx)
	s.Require().NoError(err)
	s.Empty(blob)

	s.Require().NoError(p.Save(ctx, "1|MCMID|123"))
	s.Require().NoError(p.Save(ctx, "1|MCMID|123|MCAID|abc"))

	blob, err = p.Load(ctx)
	s.Require().NoError(err)
	s.Equal("1|MCMID|123|MCAID|abc", blob)

	var rows int
	s.Require().NoError(s.postgres.DB.QueryRowContext(ctx, `SELECT count(*) FROM visitor_blobs`).Scan(&rows))
	s.Equal(1, rows)
}

func (s *PostgresPersisterSuite) TestSchemaIsIdempotent() {
	s.NoError(fieldstore.EnsureSchema(context.Background(), s.postgres.DB))
}
