// Command authflow-loadtest drives complete code sign-ins and session
// verification through an Authorizer backed by Redis (or miniredis) and
// prints throughput and latency percentiles per phase.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand"
	"net/url"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/adapter/code"
	redisstore "github.com/MrEthical07/authflow/storage/redis"
)

// codeBox keeps the last code delivered to each recipient.
type codeBox struct {
	codes sync.Map
}

func (b *codeBox) send(ctx context.Context, email, c string) error {
	b.codes.Store(email, c)
	return nil
}

func (b *codeBox) last(email string) string {
	v, _ := b.codes.Load(email)
	s, _ := v.(string)
	return s
}

func main() {
	var (
		subjects    = flag.Int("subjects", 1000, "number of distinct subjects signing in")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (authorize + verify)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "lt", "storage key prefix")
	)
	flag.Parse()

	if *subjects <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "subjects, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  goredis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	box := &codeBox{}
	auth, err := newAuthorizer(redisstore.New(client, *prefix), box)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	defer auth.Close()

	tokens := make([]string, *subjects)
	authorizeStats := runAuthorizePhase(ctx, auth, box, tokens, *ops, *concurrency)
	verifyStats := runVerifyPhase(ctx, auth, tokens, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("authorize", authorizeStats)
	printStats("verify", verifyStats)

	snap := auth.MetricsSnapshot()
	fmt.Printf("challenges started=%d sessions issued=%d sessions rejected=%d\n",
		snap.Counters[authflow.MetricChallengeStarted],
		snap.Counters[authflow.MetricSessionIssued],
		snap.Counters[authflow.MetricSessionRejected],
	)
}

func newAuthorizer(store *redisstore.Store, box *codeBox) (*authflow.Authorizer, error) {
	adapter, err := code.New(code.Config{SendCode: box.send})
	if err != nil {
		return nil, err
	}

	cfg := authflow.DefaultConfig()
	cfg.Challenge.TTL = 10 * time.Minute
	cfg.Challenge.MaxAttempts = 3
	cfg.Challenge.CodeLength = 6
	cfg.Signing.Method = "hs256"
	cfg.Signing.PrivateKey = randomKey()
	cfg.Cookie.Key = randomKey()

	return authflow.New().
		WithConfig(cfg).
		WithStorage(store).
		WithAdapter("code", adapter).
		WithSubject("user", nil).
		WithSuccess(func(ctx context.Context, c authflow.Claims, _ authflow.SuccessOptions) (authflow.Subject, error) {
			return authflow.Subject{Type: "user", ID: c.Email}, nil
		}).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithLatencyHistograms(true).
		Build()
}

func randomKey() []byte {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		panic(err)
	}
	return k
}

// signIn runs the request and verify steps of one code flow in a fresh exchange.
func signIn(ctx context.Context, auth *authflow.Authorizer, box *codeBox, email string) (string, error) {
	ex := authflow.NewMemoryExchange()
	req := authflow.Request{Adapter: "code", Flow: "authorize", Submit: true, Form: url.Values{"email": {email}}}
	if _, err := auth.Handle(ctx, ex, req); err != nil {
		return "", err
	}

	req.Form = url.Values{"action": {"verify"}, "code": {box.last(email)}}
	res, err := auth.Handle(ctx, ex, req)
	if err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", fmt.Errorf("sign-in for %s rejected: %s", email, res.Prompt.Error)
	}
	return res.Token, nil
}

func runAuthorizePhase(ctx context.Context, auth *authflow.Authorizer, box *codeBox, tokens []string, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := i % len(tokens)
				email := fmt.Sprintf("user-%d-%d@load.test", idx, i)

				t0 := time.Now()
				token, err := signIn(ctx, auth, box, email)
				d := time.Since(t0)

				mu.Lock()
				if err != nil {
					failures++
				} else {
					tokens[idx] = token
				}
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func runVerifyPhase(ctx context.Context, auth *authflow.Authorizer, tokens []string, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				token := tokens[r.Intn(len(tokens))]
				t0 := time.Now()
				_, err := auth.Sessions().Verify(ctx, token)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
