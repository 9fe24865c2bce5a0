// Command kotae answers natural language questions from local SQLite
// databases through a local language model.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/augment"
	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/pipeline"
	"github.com/hyperjump/kotae/internal/server"
	"github.com/hyperjump/kotae/pkg/utils"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "ask":
		runAsk(os.Args[2:])
	case "databases", "dbs":
		runDatabases(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("kotae %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kotae - ask local SQLite databases questions in plain language

Usage:
  kotae server [-config path]                 start the HTTP server
  kotae ask [-config path] [-server url] [-db id] [-role name] <question>
  kotae databases [-config path] [-server url]
  kotae status -server url
  kotae version

An "ask" question starting with "SQL:" runs that statement directly,
still subject to the read-only guard.`)
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// buildPipeline wires the catalog, model clients, and optional sidecar
// providers into a ready pipeline.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pipeline.Pipeline, *catalog.Store, error) {
	cat, err := catalog.Scan(ctx, &cfg.Catalog, logger)
	if err != nil {
		return nil, nil, err
	}
	store := catalog.NewStore(cat)

	client := llm.NewHTTPClient(&cfg.LLM, "", logger)
	var routerClient llm.Client = client
	if cfg.Router.AllowLLMFallback && cfg.LLM.RouterModel != "" {
		routerClient = llm.NewHTTPClient(&cfg.LLM, cfg.LLM.RouterModel, logger)
	}

	opts := &pipeline.Options{Hints: augment.NewHints(store, logger)}
	if cfg.Augment.RolePolicyPath != "" {
		policy, err := augment.LoadRolePolicy(cfg.Augment.RolePolicyPath)
		if err != nil {
			return nil, nil, err
		}
		opts.Policy = policy
	}
	if cfg.Augment.OntologyPath != "" {
		ontology, err := augment.LoadOntology(cfg.Augment.OntologyPath)
		if err != nil {
			return nil, nil, err
		}
		opts.Ontology = ontology
	}

	return pipeline.New(cfg, store, client, routerClient, opts, logger), store, nil
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe, store, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer pipe.Close()

	if cfg.Catalog.Watch {
		w := catalog.NewWatcher(cfg.Catalog.Root, func(ctx context.Context) {
			cat, err := catalog.Scan(ctx, &cfg.Catalog, logger)
			if err != nil {
				logger.Error("catalog reload failed", zap.Error(err))
				return
			}
			store.Replace(cat)
		}, logger)
		if err := w.Start(ctx); err != nil {
			logger.Error("catalog watcher failed to start", zap.Error(err))
		}
	}

	srv := server.New(cfg, pipe, store, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func runAsk(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	serverURL := fs.String("server", "", "ask a running server instead of running locally")
	dbID := fs.String("db", "", "force a database instead of routing")
	role := fs.String("role", "", "role for column visibility")
	fs.Parse(args)

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: kotae ask [flags] <question>")
		os.Exit(1)
	}
	if *dbID != "" {
		question = "DB=" + *dbID + " " + question
	}

	var resp *models.AskResponse
	if *serverURL != "" {
		resp = askRemote(*serverURL, question, *role)
	} else {
		resp = askLocal(*configPath, question, *role)
	}

	fmt.Println(resp.Answer)
	if resp.Error != "" {
		os.Exit(1)
	}
}

func askLocal(configPath, question, role string) *models.AskResponse {
	cfg := loadConfig(configPath)
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	pipe, _, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer pipe.Close()

	return pipe.Ask(ctx, []models.Message{{Role: "user", Content: question}}, role)
}

func askRemote(serverURL, question, role string) *models.AskResponse {
	payload, _ := json.Marshal(models.AskRequest{
		Messages: []models.Message{{Role: "user", Content: question}},
		Role:     role,
	})
	client := &http.Client{Timeout: 10 * time.Minute}
	httpResp, err := client.Post(strings.TrimRight(serverURL, "/")+"/api/v1/ask",
		"application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	if httpResp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "server: %s\n", strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	var resp models.AskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "bad server response: %v\n", err)
		os.Exit(1)
	}
	return &resp
}

func runDatabases(args []string) {
	fs := flag.NewFlagSet("databases", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	serverURL := fs.String("server", "", "query a running server instead of scanning locally")
	fs.Parse(args)

	if *serverURL != "" {
		printRemoteJSON(*serverURL + "/api/v1/databases")
		return
	}

	cfg := loadConfig(*configPath)
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	pipe, _, err := buildPipeline(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer pipe.Close()
	fmt.Println(pipe.Databases())
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://127.0.0.1:8080", "server URL")
	fs.Parse(args)
	printRemoteJSON(*serverURL + "/api/v1/status")
}

func printRemoteJSON(url string) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return
	}
	fmt.Println(pretty.String())
}
