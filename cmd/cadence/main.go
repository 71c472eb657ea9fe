package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rcliao/cadence/internal/command"
	"github.com/rcliao/cadence/internal/config"
	"github.com/rcliao/cadence/internal/engine"
	"github.com/rcliao/cadence/internal/manifest"
	"github.com/rcliao/cadence/internal/service"
	"github.com/rcliao/cadence/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	manifestPath := flag.String("manifest", "", "path to a YAML manifest applied after restore")
	cli := flag.Bool("cli", false, "run the interactive CLI instead of JSON-RPC over stdio")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	// stdout carries responses; logs go to stderr.
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *manifestPath, *cli); err != nil {
		logger.Error("cadence stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, manifestPath string, cli bool) error {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	eng, err := engine.New(cfg.Engine, engine.WithLogger(logger))
	if err != nil {
		store.Close()
		return err
	}

	workspace := service.NewWorkspaceService(eng, store, service.DefaultWorkspaceConfig(), logger)
	if err := workspace.Initialize(ctx); err != nil {
		store.Close()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := workspace.Shutdown(shutdownCtx); err != nil {
			logger.Error("workspace shutdown failed", "error", err)
		}
	}()

	if manifestPath != "" {
		m, err := manifest.LoadFile(manifestPath)
		if err != nil {
			return err
		}
		res, err := workspace.ApplyManifest(ctx, m)
		if err != nil {
			return fmt.Errorf("apply manifest %s: %w", manifestPath, err)
		}
		logger.Info("manifest loaded", "path", manifestPath, "nodes", res.Nodes, "edges", res.Edges)
	}

	server := command.NewServer(workspace, logger)
	if cli {
		runCLI(ctx, server)
		return nil
	}

	transport := command.NewTransport(server, os.Stdin, os.Stdout)
	if err := transport.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("transport error: %w", err)
	}
	return nil
}

func runCLI(ctx context.Context, server *command.Server) {
	fmt.Println("Cadence CLI started")
	fmt.Println("Type 'help' for available commands or 'quit' to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for ctx.Err() == nil {
		fmt.Print("cadence> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if input == "quit" || input == "exit" {
			fmt.Println("Goodbye!")
			break
		}

		if input == "help" {
			printHelp()
			continue
		}

		handleCommand(ctx, server, input)
	}
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  help                       - Show this help")
	fmt.Println("  quit/exit                  - Exit the application")
	fmt.Println()
	fmt.Println("Commands (method {json}):")
	fmt.Println("  Graph commands:")
	fmt.Println("    cadence.node.create      - Create a task or project node")
	fmt.Println("    cadence.node.get         - Get a node (ID prefixes work)")
	fmt.Println("    cadence.node.list        - List nodes, optionally by kind or state")
	fmt.Println("    cadence.edge.add         - Add a dependency edge")
	fmt.Println("    cadence.edge.list        - List edges of a node, or all edges")
	fmt.Println("    cadence.manifest.apply   - Apply a YAML manifest by path or content")
	fmt.Println()
	fmt.Println("  Lifecycle commands:")
	fmt.Println("    cadence.tick             - Evaluate schedules and pending starts")
	fmt.Println("    cadence.start            - Start a node now, skipping its qualification")
	fmt.Println("    cadence.complete         - Close an active node")
	fmt.Println("    cadence.budget           - Record a budget decision")
	fmt.Println()
	fmt.Println("  Workspace commands:")
	fmt.Println("    cadence.occurrences      - Resolve a node's schedule")
	fmt.Println("    cadence.history          - Recent state changes")
	fmt.Println("    cadence.checkpoint       - Save a snapshot now")
	fmt.Println("    cadence.stats            - Engine and workspace counters")
	fmt.Println()
	fmt.Println("Add \"format\":\"markdown\" to get, list, lifecycle, occurrences and history for readable output.")
	fmt.Println()
	fmt.Println("Example usage:")
	fmt.Println("  cadence.node.create {\"id\":\"review\",\"schedule\":{\"weekdays\":[\"mon\"],\"ordinals\":[\"first\"],\"anchor\":\"2025-01-01\"}}")
	fmt.Println("  cadence.node.create {\"id\":\"report\",\"budget\":[\"time\"]}")
	fmt.Println("  cadence.edge.add {\"from\":\"review\",\"to\":\"report\",\"kind\":\"start_after\",\"offset\":\"48h\"}")
	fmt.Println("  cadence.tick {\"now\":\"2025-01-06T09:00:00Z\",\"format\":\"markdown\"}")
	fmt.Println("  cadence.budget {\"id\":\"report\",\"status\":\"approved\"}")
	fmt.Println("  cadence.complete {\"id\":\"review\"}")
	fmt.Println("  cadence.occurrences {\"id\":\"review\",\"to\":\"2025-12-31\",\"format\":\"markdown\"}")
	fmt.Println("  cadence.node.list {\"format\":\"markdown\"}")
}

func handleCommand(ctx context.Context, server *command.Server, input string) {
	parts := strings.SplitN(input, " ", 2)
	method := parts[0]
	var params json.RawMessage

	if len(parts) > 1 {
		paramStr := parts[1]
		if err := json.Unmarshal([]byte(paramStr), &params); err != nil {
			fmt.Printf("Error: Invalid JSON parameters: %v\n", err)
			return
		}
	}

	result, err := server.HandleCommandContext(ctx, method, params)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if md, ok := result.(string); ok {
		fmt.Println(md)
		return
	}

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Printf("Error formatting result: %v\n", err)
		return
	}

	fmt.Println(string(output))
}
