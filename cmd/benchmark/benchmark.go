package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/docstore/memstore"
	"github.com/krisalay/client-cache/facade"
	"github.com/krisalay/client-cache/writepolicy"
)

// ================= BENCHMARK =================

func main() {
	ctx := context.Background()

	const (
		capacity   = 20000
		users      = 10000
		goroutines = 200
		opsPerG    = 5000
		batchIDs   = 25
	)

	fmt.Println("\n================ FACADE LOAD BENCHMARK =================")
	fmt.Println("CONFIG")
	fmt.Println("---------------------------------")
	fmt.Println("Capacity     :", capacity)
	fmt.Println("Users        :", users)
	fmt.Println("Goroutines   :", goroutines)
	fmt.Println("Ops/Goroutine:", opsPerG)
	fmt.Println("Batch ids    :", batchIDs)
	fmt.Println("---------------------------------")

	// ---------------- Backing Store ----------------
	store := memstore.New()
	docs := make([]docstore.Document, users)
	for i := range users {
		docs[i] = docstore.Document{ID: userID(i), Fields: map[string]any{"displayName": fmt.Sprintf("User %d", i)}}
	}
	store.Seed(facade.UsersCollection, docs...)

	// ---------------- Facade ----------------
	conns := connmgr.New(connmgr.DefaultConfig(), nil, nil, zerolog.Nop())
	writer := writepolicy.NewWriteBackPolicy(store, writepolicy.DefaultWriteBackConfig(), nil, nil, zerolog.Nop())
	defer conns.Close()
	defer writer.Close(ctx)

	u, err := facade.NewUsers(facade.Deps{
		Store:  store,
		Conns:  conns,
		Writer: writer,
		Logger: zerolog.Nop(),
	}, facade.CacheConfig{TTL: time.Minute, MaxSize: capacity}, 0)
	if err != nil {
		panic(err)
	}

	// ---------------- Cold Batch Load ----------------
	fmt.Println("Loading every user in batches...")
	start := time.Now()
	ids := make([]string, 0, batchIDs)
	for i := range users {
		ids = append(ids, userID(i))
		if len(ids) == batchIDs || i == users-1 {
			if _, err := u.GetMany(ctx, ids); err != nil {
				panic(err)
			}
			ids = ids[:0]
		}
	}
	cold := time.Since(start)
	coldQueries := store.Calls(memstore.OpQuery)
	fmt.Println("Load complete.")

	// ---------------- Load Test ----------------
	fmt.Println("Running concurrency benchmark...")
	var failures atomic.Int64
	start = time.Now()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func() {
			defer wg.Done()
			for j := range opsPerG {
				if _, err := u.GetOne(ctx, userID((g*opsPerG+j)%users)); err != nil {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	duration := time.Since(start)
	totalOps := goroutines * opsPerG

	fmt.Println("\n================ RESULTS =================")
	fmt.Printf("Cold load        : %v (%d queries)\n", cold, coldQueries)
	fmt.Printf("Total Operations : %d\n", totalOps)
	fmt.Printf("Failures         : %d\n", failures.Load())
	fmt.Printf("Store reads      : %d\n", store.Calls(memstore.OpGet))
	fmt.Printf("Total Time       : %v\n", duration)
	fmt.Printf("Throughput       : %.2f ops/sec\n", float64(totalOps)/duration.Seconds())
	fmt.Println("=========================================")
}

func userID(i int) string { return fmt.Sprintf("user-%05d", i) }
