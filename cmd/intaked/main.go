package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/bhzitouni/intake/internal/artifacts"
	"github.com/bhzitouni/intake/internal/config"
	"github.com/bhzitouni/intake/internal/conversation"
	"github.com/bhzitouni/intake/internal/gateway"
	"github.com/bhzitouni/intake/internal/httpapi"
	"github.com/bhzitouni/intake/internal/search"
	"github.com/bhzitouni/intake/internal/store"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := run(); err != nil {
		log.Fatalf("intaked failed: %v", err)
	}
}

func run() error {
	cfg := config.Load()

	fs := flag.NewFlagSet("intaked", flag.ExitOnError)
	addrFlag := fs.String("addr", "", "Listen address (overrides INTAKE_ADDR)")
	dbFlag := fs.String("db", "", "SQLite database path (overrides INTAKE_DB_PATH)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Printf("Conversation store ready at %s", cfg.DBPath)

	engine := gateway.NewClient(cfg.EngineURL)
	log.Printf("Engine gateway pointed at %s", cfg.EngineURL)

	var index *search.Index
	if cfg.IndexPath != "" {
		index, err = search.Open(cfg.IndexPath)
		if err != nil {
			log.Printf("WARNING: search disabled: %v", err)
		} else {
			defer index.Close()
			log.Printf("Search index ready at %s", cfg.IndexPath)
			if cfg.Reindex {
				if err := rebuildIndex(ctx, st, index); err != nil {
					log.Printf("WARNING: search index rebuild failed: %v", err)
				}
			}
		}
	}

	gate := artifacts.NewGate(cfg.ArtifactDirs)
	watcherDone := make(chan struct{})
	go func() {
		if err := gate.Watch(ctx.Done()); err != nil {
			log.Printf("WARNING: artifact watcher stopped: %v", err)
		}
		close(watcherDone)
	}()

	svc := conversation.NewService(st, engine, gate, indexerOrNil(index))

	if len(cfg.AuthTokens) == 0 {
		log.Println("WARNING: no auth tokens configured; all requests will be rejected")
	}
	handler, err := httpapi.NewHandler(svc, searcherOrNil(index), httpapi.StaticVerifier(cfg.AuthTokens))
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	handler.Mount(r)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	<-watcherDone
	return nil
}

// rebuildIndex reindexes every completed conversation, for recovery
// after the index file was deleted or recreated.
func rebuildIndex(ctx context.Context, st *store.Store, index *search.Index) error {
	convs, err := st.AllCompleted(ctx)
	if err != nil {
		return err
	}
	if err := index.Rebuild(convs); err != nil {
		return err
	}
	log.Printf("Search index rebuilt with %d conversations", len(convs))
	return nil
}

// indexerOrNil avoids handing the service a non-nil interface holding
// a nil *search.Index.
func indexerOrNil(index *search.Index) conversation.Indexer {
	if index == nil {
		return nil
	}
	return index
}

func searcherOrNil(index *search.Index) httpapi.Searcher {
	if index == nil {
		return nil
	}
	return index
}
