package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"viewingflow/test/actors"
	"viewingflow/test/chaos"
	"viewingflow/test/infra"
	"viewingflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestViewingConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// requesters and responders battling over the same property
	for i := 0; i < *flConcurrency; i++ {
		buyerID := seedData.buyerIDs[i%len(seedData.buyerIDs)]
		g.Go(func() error {
			return actors.Requester(ctx2, pool, seedData.propertyID, buyerID, stop)
		})
		g.Go(func() error { return actors.Responder(ctx2, pool, seedData.propertyID, seedData.agentID, stop) })
	}

	// concurrent spenders of one public-link token
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.TokenRacer(ctx2, pool, seedData.token, stop) })
	}

	// signers racing over the disclosure slots
	g.Go(func() error { return actors.Signer(ctx2, pool, seedData.agreementID, stop) })
	g.Go(func() error { return actors.Signer(ctx2, pool, seedData.agreementID, stop) })
	// canceller closing viewings so disclosures can complete
	g.Go(func() error { return actors.Canceller(ctx2, pool, seedData.propertyID, stop) })
	// outbox worker
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	buyerIDs    []string
	agentID     string
	sellerID    string
	propertyID  string
	agreementID string
	viewingID   string
	token       string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	newUser := func(role string) string {
		var id string
		email := fmt.Sprintf("u%d@example.com", rand.Int63())
		if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1,$2,'x',$3) RETURNING id`,
			email, "Stress User", role).Scan(&id); err != nil {
			t.Fatalf("seed %s user: %v", role, err)
		}
		return id
	}

	for i := 0; i < 4; i++ {
		s.buyerIDs = append(s.buyerIDs, newUser("buyer"))
	}
	s.agentID = newUser("agent")
	s.sellerID = newUser("seller")

	if err := pool.QueryRow(ctx, `INSERT INTO properties (address, seller_id, listing_agent_id) VALUES ($1,$2,$3) RETURNING id`,
		fmt.Sprintf("%d Stress Ave", rand.Intn(9000)+100), s.sellerID, s.agentID).Scan(&s.propertyID); err != nil {
		t.Fatalf("seed property: %v", err)
	}

	// disclosure the signers race over
	if err := pool.QueryRow(ctx, `INSERT INTO agreements (property_id, agent_id, buyer_id, kind, status)
                                   VALUES ($1,$2,$3,'agency_disclosure','draft') RETURNING id`,
		s.propertyID, s.agentID, s.buyerIDs[0]).Scan(&s.agreementID); err != nil {
		t.Fatalf("seed agreement: %v", err)
	}

	// pending request with a single public-link token for the racers
	if err := pool.QueryRow(ctx, `INSERT INTO viewing_requests (property_id, buyer_id, requested_start, requested_end, status)
                                   VALUES ($1,$2, NOW() + interval '2 days', NOW() + interval '2 days 1 hour', 'pending') RETURNING id`,
		s.propertyID, s.buyerIDs[len(s.buyerIDs)-1]).Scan(&s.viewingID); err != nil {
		t.Fatalf("seed viewing request: %v", err)
	}
	s.token = fmt.Sprintf("stress-token-%d", rand.Int63())
	if _, err := pool.Exec(ctx, `INSERT INTO viewing_tokens (token, viewing_request_id) VALUES ($1,$2)`, s.token, s.viewingID); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"viewing_requests", `SELECT id, property_id, buyer_id, status, seller_approval_state, version FROM viewing_requests ORDER BY updated_at DESC LIMIT 50`},
		{"agreements", `SELECT id, kind, status, version, signed_at FROM agreements ORDER BY updated_at DESC LIMIT 50`},
		{"viewing_tokens", `SELECT token, viewing_request_id, used_at, invalidated_at FROM viewing_tokens ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, created_at, delivered_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
