package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/internal/rate"
	"github.com/groovybytes/dashauth/kv"
	"github.com/groovybytes/dashauth/statetoken"
)

func main() {
	var (
		tokens      = flag.Int("tokens", 20000, "state tokens to mint before the consume phase")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "operations for the rate limit phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		base        = flag.String("base", "loadtest", "redis key base")
		memory      = flag.Bool("memory", false, "use the in-memory store instead of redis")
	)
	flag.Parse()

	if *tokens <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "tokens, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	store, cleanup, err := openStore(*memory, *redisAddr, *base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	codec, err := statetoken.New(store, statetoken.Config{TTL: time.Hour, Logger: zap.NewNop()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "state codec: %v\n", err)
		os.Exit(1)
	}

	minted := make([]string, *tokens)
	mintStats := runPhase(*tokens, *concurrency, func(i int) error {
		nonce, err := statetoken.NewNonce()
		if err != nil {
			return err
		}
		tok, err := codec.Mint(ctx, statetoken.Payload{State: nonce, Authority: idp.SignIn, Referer: "/dashboard"})
		minted[i] = tok
		return err
	})

	consumeStats := runPhase(*tokens, *concurrency, func(i int) error {
		_, err := codec.Consume(ctx, minted[i])
		return err
	})

	// Every token was consumed once; a second pass must fail for all of them.
	var replayed atomic.Int64
	runPhase(*tokens, *concurrency, func(i int) error {
		if _, err := codec.Consume(ctx, minted[i]); err == nil {
			replayed.Add(1)
		}
		return nil
	})

	limiter := rate.New(store, rate.Config{
		EnableIPThrottle:    true,
		MaxInitiateAttempts: 1 << 30,
		InitiateWindow:      time.Minute,
	})
	rateStats := runPhase(*ops, *concurrency, func(i int) error {
		return limiter.CheckInitiate(ctx, fmt.Sprintf("10.0.%d.%d", (i/256)%256, i%256))
	})

	fmt.Println("---- results ----")
	printStats("mint", mintStats)
	printStats("consume", consumeStats)
	printStats("rate", rateStats)
	fmt.Printf("replayed tokens accepted: %d\n", replayed.Load())
	if replayed.Load() != 0 {
		os.Exit(1)
	}
}

func openStore(memory bool, addr, base string) (*kv.DB, func(), error) {
	if memory {
		fmt.Println("using in-memory store")
		db := kv.NewMemory()
		return db, func() { _ = db.Close() }, nil
	}

	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	var mr *miniredis.Miniredis
	if addr == "" {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		addr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	db := kv.NewRedis(client, kv.WithRedisBase(base))
	return db, func() {
		_ = db.Close()
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	}, nil
}

// runPhase calls op for every index in [0, n) across concurrency workers.
func runPhase(n, concurrency int, op func(i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, n)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= n {
					return
				}
				t0 := time.Now()
				err := op(i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
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
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
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
