// Package main is a small concurrent load generator that opens many
// connections through the proxy and issues a mix of read/write queries,
// used to exercise pooling, pinning, and queueing under load.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var (
	dsn             = flag.String("dsn", "loadgen:loadgen@tcp(127.0.0.1:3306)/loadgen?timeout=5s", "proxy DSN to connect through")
	totalConns      = flag.Int("total-connections", 100, "number of concurrent client connections to simulate")
	duration        = flag.Duration("duration", 30*time.Second, "how long to run the load")
	writeFraction   = flag.Float64("write-fraction", 0.2, "fraction of statements that are writes")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	db, err := sql.Open("mysql", *dsn)
	if err != nil {
		log.Fatalf("[loadgen] opening DSN: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(*totalConns)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var reads, writes, errs atomic.Int64
	var wg sync.WaitGroup
	wg.Add(*totalConns)

	for i := 0; i < *totalConns; i++ {
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
			for ctx.Err() == nil {
				if rng.Float64() < *writeFraction {
					if _, err := db.ExecContext(ctx, "INSERT INTO loadgen_events (worker_id, at) VALUES (?, NOW())", worker); err != nil {
						errs.Add(1)
					} else {
						writes.Add(1)
					}
				} else {
					rows, err := db.QueryContext(ctx, "SELECT 1")
					if err != nil {
						errs.Add(1)
					} else {
						rows.Close()
						reads.Add(1)
					}
				}
			}
		}(i)
	}

	wg.Wait()
	fmt.Printf("[loadgen] done: reads=%d writes=%d errors=%d\n", reads.Load(), writes.Load(), errs.Load())
}
