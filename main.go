package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/safetydesk/iso-assistant/assemble"
	"github.com/safetydesk/iso-assistant/config"
	"github.com/safetydesk/iso-assistant/database"
	"github.com/safetydesk/iso-assistant/embeddings"
	"github.com/safetydesk/iso-assistant/ingestion"
	"github.com/safetydesk/iso-assistant/knowledge"
	"github.com/safetydesk/iso-assistant/llm"
	"github.com/safetydesk/iso-assistant/rag"
	"github.com/safetydesk/iso-assistant/retrieval"
	"github.com/safetydesk/iso-assistant/session"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	switch os.Args[1] {
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "reset":
		resetCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func ingestCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := flags.String("dir", cfg.DataDir, "path to directory containing corpus documents")
	artifact := flags.String("artifact", cfg.ArtifactPath, "path to write the in-memory index artifact (empty to skip)")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	embedder, err := embeddings.NewEmbedder(cfg, logger)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	chunker := ingestion.NewChunker(cfg.Chunking.Window, cfg.Chunking.Overlap, cfg.Chunking.Lookback)
	svc := ingestion.NewService(pgPool, neo4jDriver, embedder, logger, cfg.Embeddings.Dimension, chunker)

	logger.Printf("ingesting corpus from %s using %s/%s embeddings", *dataDir, strings.ToUpper(cfg.Embeddings.Provider), cfg.Embeddings.Model)
	if err := svc.IngestDirectory(ctx, *dataDir); err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}

	if *artifact != "" {
		if err := svc.ExportArtifact(ctx, *artifact); err != nil {
			logger.Fatalf("export artifact: %v", err)
		}
	}
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask (empty starts an interactive session)")
	sessionID := flags.String("session", "", "session id to continue (empty generates one)")
	limit := flags.Int("limit", cfg.TopK, "number of passages to retrieve")
	store := flags.String("store", "postgres", "passage store backend: postgres or memory")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	index, graph, cleanup, err := buildIndex(ctx, cfg, logger, *store)
	if err != nil {
		logger.Fatalf("passage store setup: %v", err)
	}
	defer cleanup()

	embedder, err := embeddings.NewEmbedder(cfg, logger)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}
	retryClient := llm.NewRetryClient(llmClient, cfg.LLM.Retries, cfg.LLM.Timeout, logger)

	sessions := session.NewStore(cfg.Session.MaxTurns)
	svc := rag.NewService(index, graph, embedder, retryClient, sessions, rag.Config{
		TopK: *limit,
		Budget: assemble.Budget{
			Total:           cfg.Context.Budget,
			PassageFraction: cfg.Context.PassageFraction,
		},
	}, logger)

	pool := rag.NewPool(svc, cfg.Workers, cfg.RequestTimeout)
	defer pool.Close()

	if strings.TrimSpace(*question) != "" {
		answer, err := pool.Ask(ctx, *sessionID, *question)
		if err != nil {
			logger.Fatalf("ask failed: %v", err)
		}
		printAnswer(answer)
		return
	}

	// Interactive loop: one session across turns, with the expiry sweep running.
	sweeper := session.NewSweeper(sessions, cfg.Session.TTL, logger)
	if err := sweeper.Start(); err != nil {
		logger.Fatalf("start session sweeper: %v", err)
	}
	defer sweeper.Stop()

	id := *sessionID
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatalf("read question: %v", err)
			}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if line == "/reset" {
			svc.Reset(id)
			fmt.Println("session reset")
			continue
		}

		answer, err := pool.Ask(ctx, id, line)
		if err != nil {
			logger.Printf("ask failed: %v", err)
			continue
		}
		id = answer.SessionID
		printAnswer(answer)
	}
}

func resetCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("reset", flag.ExitOnError)
	sessionID := flags.String("session", "", "session id to reset")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse reset flags: %v", err)
	}

	if strings.TrimSpace(*sessionID) == "" {
		logger.Fatal("reset requires --session")
	}

	// Sessions are process-local; outside a running ask session a reset is a
	// no-op, which is what idempotence requires.
	sessions := session.NewStore(cfg.Session.MaxTurns)
	sessions.Reset(*sessionID)
	logger.Printf("session %s reset", *sessionID)
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		fmt.Print("This will permanently delete the indexed corpus from Postgres and Neo4j. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatalf("read confirmation: %v", err)
			}
			logger.Println("clear aborted")
			return
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Println("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	if _, err := pgPool.Exec(ctx, "TRUNCATE corpus_chunks, corpus_documents"); err != nil {
		logger.Fatalf("truncate postgres tables: %v", err)
	}
	logger.Println("cleared Postgres corpus_documents and corpus_chunks")

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	if err := knowledge.Purge(ctx, neo4jDriver); err != nil {
		logger.Fatalf("clear neo4j: %v", err)
	}

	logger.Println("clause graph cleared")
	logger.Println("corpus removed")
}

// buildIndex wires the requested passage store. The memory backend loads the
// exported artifact and keeps watching it for rebuilds.
func buildIndex(ctx context.Context, cfg config.Config, logger *log.Logger, store string) (retrieval.Index, rag.GraphStore, func(), error) {
	switch store {
	case "memory":
		index := retrieval.NewMemoryIndex()
		if snap, err := retrieval.LoadArtifact(cfg.ArtifactPath); err != nil {
			logger.Printf("no index artifact at %s, serving empty index: %v", cfg.ArtifactPath, err)
		} else if err := index.Swap(snap); err != nil {
			return nil, nil, nil, err
		}

		watcher, err := retrieval.NewArtifactWatcher(cfg.ArtifactPath, index, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		watcher.Start()
		return index, nil, func() { watcher.Close() }, nil

	case "postgres":
		pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres connection: %w", err)
		}

		neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			pgPool.Close()
			return nil, nil, nil, fmt.Errorf("neo4j connection: %w", err)
		}

		cleanup := func() {
			pgPool.Close()
			neo4jDriver.Close(context.Background())
		}
		return retrieval.NewPostgresIndex(pgPool), rag.NewNeo4jGraphStore(neo4jDriver), cleanup, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown passage store backend: %s", store)
	}
}

func printAnswer(answer rag.Answer) {
	fmt.Println(answer.Answer)
	if answer.NoGrounding {
		fmt.Println("\n(no supporting passages were found; this answer is not grounded in the indexed standard)")
	}
	if len(answer.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for idx, source := range answer.Sources {
			fmt.Printf("%d. %s (score %.3f)\n", idx+1, source.Label, source.Score)
			if source.Excerpt != "" {
				fmt.Printf("   %s\n", source.Excerpt)
			}
			if len(source.RelatedClauses) > 0 {
				fmt.Printf("   Related clauses: %s\n", strings.Join(source.RelatedClauses, ", "))
			}
		}
	}
	fmt.Printf("\nSession: %s\n", answer.SessionID)
}

func printUsage() {
	fmt.Println("Usage: iso-assistant <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  ingest   Index corpus documents into Postgres/Neo4j and export the artifact")
	fmt.Println("  ask      Ask a question against the indexed corpus (interactive without --question)")
	fmt.Println("  reset    Clear a session's conversation history")
	fmt.Println("  clear    Remove the indexed corpus from Postgres/Neo4j")
}
