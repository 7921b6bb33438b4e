package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alexhholmes/gendb"
	"github.com/alexhholmes/gendb/logger"
	"github.com/alexhholmes/gendb/query"
	"github.com/alexhholmes/gendb/record"
	"github.com/alexhholmes/gendb/replication"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()
	log := logger.NewZap(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, log, args)
	case "follow":
		err = runFollow(ctx, log, args)
	case "stats":
		err = runStats(log, args)
	case "tables":
		err = runTables(log, args)
	case "scan":
		err = runScan(log, args)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		zl.Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: gendb <command> [flags]")
	fmt.Println("\nCommands:")
	fmt.Println("  serve     Serve a database's transaction log to followers over HTTP")
	fmt.Println("  follow    Replicate a leader into a local database")
	fmt.Println("  stats     Print database statistics")
	fmt.Println("  tables    List tables, row counts and indexes")
	fmt.Println("  scan      Print the rows of a table matching a filter")
}

func runServe(ctx context.Context, log gendb.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	path := fs.String("db", "gendb.db", "Database file")
	addr := fs.String("addr", ":7070", "Listen address")
	prune := fs.Bool("prune", false, "Prune log records every follower acknowledged")
	_ = fs.Parse(args)

	opts := []gendb.DBOption{gendb.WithLogger(log)}
	if *prune {
		opts = append(opts, gendb.WithLogRetention(gendb.PruneAcked))
	}
	db, err := gendb.Open(*path, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           replication.NewServer(db).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info("serving transaction log", "addr", *addr, "path", *path)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runFollow(ctx context.Context, log gendb.Logger, args []string) error {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	path := fs.String("db", "follower.db", "Local database file")
	leader := fs.String("leader", "http://localhost:7070", "Leader base URL")
	interval := fs.Duration("interval", replication.DefaultInterval, "Poll interval once caught up")
	batch := fs.Int("batch", replication.DefaultBatch, "Records per fetch")
	_ = fs.Parse(args)

	db, err := gendb.Open(*path, gendb.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	client := &http.Client{Timeout: 30 * time.Second}
	r := replication.NewReplicator(db, replication.NewHTTPSource(*leader, client),
		replication.WithInterval(*interval),
		replication.WithBatch(*batch),
	)
	log.Info("following leader", "leader", *leader, "path", *path, "sequence", db.Sequence())
	return r.Run(ctx)
}

func runStats(log gendb.Logger, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	path := fs.String("db", "gendb.db", "Database file")
	_ = fs.Parse(args)

	db, err := gendb.Open(*path, gendb.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	first, err := db.FirstLogSequence()
	if err != nil {
		return err
	}
	s := db.Stats()
	fmt.Printf("id:             %s\n", db.ID())
	fmt.Printf("generation:     %d\n", s.Generation)
	fmt.Printf("sequence:       %d\n", s.Sequence)
	fmt.Printf("first log seq:  %d\n", first)
	fmt.Printf("pages:          %d\n", s.NumPages)
	fmt.Printf("free pages:     %d\n", s.FreePages)
	fmt.Printf("pending pages:  %d\n", s.PendingPages)
	fmt.Printf("store:          %d reads, %d writes, %d flushes\n", s.Store.Reads, s.Store.Writes, s.Store.Flushes)
	return nil
}

func runTables(log gendb.Logger, args []string) error {
	fs := flag.NewFlagSet("tables", flag.ExitOnError)
	path := fs.String("db", "gendb.db", "Database file")
	_ = fs.Parse(args)

	db, err := gendb.Open(*path, gendb.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.View(func(tx *gendb.Tx) error {
		names, err := tx.Tables()
		if err != nil {
			return err
		}
		for _, name := range names {
			tbl, err := tx.Table(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d rows)\n", name, tbl.Len())
			for _, c := range tbl.Schema().Columns {
				null := ""
				if c.NotNull {
					null = " not null"
				}
				fmt.Printf("  %s %s%s\n", c.Name, c.Type, null)
			}
			for _, idx := range tbl.Indexes() {
				kind := "index"
				if idx.Unique {
					kind = "unique index"
				}
				fmt.Printf("  %s %s(%s)\n", kind, idx.Name, strings.Join(idx.Columns, ", "))
			}
		}
		return nil
	})
}

func runScan(log gendb.Logger, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	path := fs.String("db", "gendb.db", "Database file")
	table := fs.String("table", "", "Table to scan")
	filter := fs.String("filter", "", "CEL expression over the table's columns")
	limit := fs.Int("limit", 0, "Maximum rows to print")
	desc := fs.Bool("desc", false, "Scan in descending key order")
	_ = fs.Parse(args)
	if *table == "" {
		return errors.New("-table is required")
	}

	db, err := gendb.Open(*path, gendb.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.View(func(tx *gendb.Tx) error {
		tbl, err := tx.Table(*table)
		if err != nil {
			return err
		}
		f := query.For{Table: *table, Desc: *desc, Limit: *limit}
		if *filter != "" {
			if f.Filter, err = query.CompileFilter(tbl.Schema(), *filter); err != nil {
				return err
			}
		}
		rows, err := query.Run(tx, f)
		if err != nil {
			return err
		}
		fmt.Println(rows.Plan)
		for rows.Next() {
			fmt.Println(formatRow(rows.Row()))
		}
		return rows.Err()
	})
}

func formatRow(row record.Row) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = v.String()
	}
	return strings.Join(parts, "\t")
}
