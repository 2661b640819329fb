// Command chatcored is a minimal process bootstrap: it loads configuration,
// wires a Store, tool Registry, and Turn Executor, and drives one session's
// turns from stdin, printing each streamed event to stdout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/chatcore"
	"github.com/chatcore/chatcore/internal/config"
	"github.com/chatcore/chatcore/mcp"
	"github.com/chatcore/chatcore/observer"
	"github.com/chatcore/chatcore/provider/resolve"
	"github.com/chatcore/chatcore/store/postgres"
	"github.com/chatcore/chatcore/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfgPath := os.Getenv("CHATCORE_CONFIG")
	if cfgPath == "" {
		cfgPath = "chatcore.toml"
	}
	cfg := config.Load(cfgPath)

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("chatcored: open store: %v", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("chatcored: init store: %v", err)
	}

	providerCfg := cfg.Providers["default"]
	llm, err := resolve.Provider(resolve.Config{
		Provider:    providerCfg.Provider,
		APIKey:      providerCfg.APIKey,
		Model:       providerCfg.Model,
		BaseURL:     providerCfg.BaseURL,
		Temperature: providerCfg.Temperature,
		TopP:        providerCfg.TopP,
		Thinking:    providerCfg.Thinking,
	})
	if err != nil {
		log.Fatalf("chatcored: resolve provider: %v", err)
	}
	llm = chatcore.WithRetry(llm)
	if cfg.RateLimit.RPM > 0 || cfg.RateLimit.TPM > 0 {
		llm = chatcore.WithRateLimit(llm, chatcore.RPM(cfg.RateLimit.RPM), chatcore.TPM(cfg.RateLimit.TPM))
	}

	if cfg.Observability.Enabled {
		_, shutdown, err := observer.Init(ctx, cfg.Observability.Pricing)
		if err != nil {
			log.Fatalf("chatcored: init observability: %v", err)
		}
		defer shutdown(ctx)
	}

	tools := chatcore.NewRegistry()
	bridge := chatcore.NewReviewBridge()
	if err := wireTools(ctx, tools, bridge, cfg.Tools); err != nil {
		log.Fatalf("chatcored: wire tools: %v", err)
	}

	executor := chatcore.NewTurnExecutor(store, tools, chatcore.NewAbortRegistry())
	executor.Tracer = observer.NewTracer()

	session := chatcore.Session{
		ID:        chatcore.NewID(),
		Title:     "New Conversation",
		CreatedAt: chatcore.NowUnix(),
		UpdatedAt: chatcore.NowUnix(),
	}
	if err := store.CreateSession(ctx, session); err != nil {
		log.Fatalf("chatcored: create session: %v", err)
	}

	modelCfg := chatcore.AiModelConfig{
		ID:       "default",
		Provider: providerCfg.Provider,
		Model:    providerCfg.Model,
	}

	runREPL(ctx, executor, llm, session.ID, modelCfg)
}

func openStore(ctx context.Context, dbCfg config.DatabaseConfig) (chatcore.Store, error) {
	switch dbCfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), nil
	default:
		path := dbCfg.Path
		if path == "" {
			path = "chatcore.db"
		}
		return sqlite.New(path, sqlite.WithLogger(slog.Default())), nil
	}
}

func wireTools(ctx context.Context, tools *chatcore.Registry, bridge *chatcore.ReviewBridge, servers []config.ToolServerConfig) error {
	for _, tc := range servers {
		srv := tc.McpServer()
		switch srv.Type {
		case chatcore.McpBuiltin:
			switch srv.Kind {
			case chatcore.BuiltinTaskManager:
				tools.AddBuiltin(srv.Name, &chatcore.TaskReviewBuiltin{Bridge: bridge, TimeoutMS: srv.ReviewTimeoutMS})
			default:
				slog.Warn("chatcored: no in-process implementation for builtin kind", "kind", srv.Kind)
			}
		case chatcore.McpStdio:
			transport, err := mcp.NewStdioTransport(ctx, srv)
			if err != nil {
				return fmt.Errorf("start stdio server %q: %w", srv.Name, err)
			}
			if err := tools.AddTransport(ctx, srv.Name, srv.Type, transport); err != nil {
				return err
			}
		case chatcore.McpHTTP:
			client := mcp.NewClient(srv.URL, nil)
			if err := tools.AddTransport(ctx, srv.Name, srv.Type, client); err != nil {
				return err
			}
		}
	}
	return nil
}

func runREPL(ctx context.Context, executor *chatcore.TurnExecutor, llm chatcore.Provider, sessionID string, modelCfg chatcore.AiModelConfig) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("chatcore ready. type a message and press enter; ctrl-c to quit.")
	for scanner.Scan() {
		content := scanner.Text()
		if content == "" {
			continue
		}
		events := executor.Run(ctx, llm, chatcore.TurnRequest{
			SessionID:   sessionID,
			Config:      modelCfg,
			UserContent: content,
		})
		for ev := range events.Events() {
			printEvent(ev)
		}
	}
}

func printEvent(ev chatcore.Event) {
	switch ev.Type {
	case chatcore.EventChunk:
		var p chatcore.ChunkPayload
		_ = json.Unmarshal(ev.Data, &p)
		fmt.Print(p.Content)
	case chatcore.EventComplete:
		fmt.Println()
	case chatcore.EventError:
		var p chatcore.ErrorPayload
		_ = json.Unmarshal(ev.Data, &p)
		fmt.Fprintln(os.Stderr, "error:", p.Error)
	}
}
