// Command codeengineer runs one agent loop against a workspace directory:
// the model writes files, runs commands and commits with git until it
// answers without requesting tools.
//
// Settings come from an optional YAML file and AGENT_* environment
// variables (see package config). For example:
//
//	AGENT_ENDPOINT=https://api.openai.com/v1/chat/completions \
//	AGENT_SECRET=... \
//	codeengineer -query "build a todo app in React"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/martinemde/codeengineer/agentloop"
	"github.com/martinemde/codeengineer/config"
	"github.com/martinemde/codeengineer/procmgr"
	"github.com/martinemde/codeengineer/registers"
	"github.com/martinemde/codeengineer/unifiedllm"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to a YAML config file")
		queryF  = flag.String("query", "", "Task for the agent (overrides AGENT_QUERY)")
		debugF  = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configF, *queryF, *debugF, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "codeengineer: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, query string, debug bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if query != "" {
		cfg.Query = query
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	format := log.FormatTerminal
	if cfg.LogFormat == "json" {
		format = log.FormatJSON
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	workspace, err := prepareWorkspace(cfg)
	if err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "workspace ready"}, log.KV{K: "workspace", V: workspace})

	client, err := newModelClient(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			log.Error(ctx, cerr, log.KV{K: "msg", V: "close model client"})
		}
	}()

	tokens := agentloop.DefaultTokens()
	if cfg.TokensFile != "" {
		if tokens, err = agentloop.LoadTokenTable(cfg.TokensFile); err != nil {
			return err
		}
	}

	factory := registers.MemoryFactory()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if cerr := rdb.Close(); cerr != nil {
				log.Error(ctx, cerr, log.KV{K: "msg", V: "close redis"})
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		factory = registers.RedisFactory(rdb, registers.DefaultRedisPrefix, registers.DefaultRedisTTL)
	}

	env := agentloop.NewLocalExecutionEnvironment(workspace, agentloop.WithStrictPaths(cfg.StrictPaths))
	processes := procmgr.NewManager(workspace)
	defer func() {
		if cerr := processes.Close(); cerr != nil {
			log.Error(ctx, cerr, log.KV{K: "msg", V: "stop background processes"})
		}
	}()

	loopCfg := agentloop.DefaultLoopConfig()
	loopCfg.Model = cfg.Model
	loopCfg.Provider = cfg.ProviderName()
	loopCfg.MaxTokens = cfg.MaxTokens
	loopCfg.Env = env
	loopCfg.Processes = processes
	loopCfg.IsolateProcesses = cfg.IsolateProcesses
	loopCfg.RegisterFactory = factory

	loop, err := agentloop.NewLoop(client, loopCfg)
	if err != nil {
		return err
	}

	skills := agentloop.ListSkills(cfg.SkillsDir)
	systemPrompt := agentloop.BuildRunPrompt(env, cfg.Model, loopCfg.Provider, skills)
	tools := agentloop.NewCodeEngineerRegistry(tokens)

	log.Info(ctx, log.KV{K: "msg", V: "starting run"},
		log.KV{K: "model", V: cfg.Model},
		log.KV{K: "provider", V: loopCfg.Provider},
		log.KV{K: "skills", V: len(skills)})

	result, err := loop.Run(ctx, systemPrompt, cfg.Query, tools, cfg.MaxIterations)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s\n\nCompleted in %d iteration(s).\n\nWorkspace %s:\n", result.Answer, result.Iterations, workspace)
	return printTree(out, workspace)
}

// newModelClient registers an OpenAI-compatible adapter when an endpoint is
// configured and a gollm adapter for the named provider otherwise.
func newModelClient(cfg *config.Config) (*unifiedllm.Client, error) {
	name := cfg.ProviderName()
	var adapter unifiedllm.ProviderAdapter
	if cfg.Endpoint != "" {
		a, err := unifiedllm.NewOpenAIAdapter(name,
			unifiedllm.WithAPIKey(cfg.Secret),
			unifiedllm.WithBaseURL(cfg.Endpoint),
			unifiedllm.WithDefaultModel(cfg.Model),
			unifiedllm.WithDefaultMaxTokens(cfg.MaxTokens),
		)
		if err != nil {
			return nil, err
		}
		adapter = a
	} else {
		a, err := unifiedllm.NewGollmAdapter(name, cfg.Secret,
			unifiedllm.WithGollmModel(cfg.Model),
			unifiedllm.WithGollmMaxTokens(cfg.MaxTokens),
		)
		if err != nil {
			return nil, err
		}
		adapter = a
	}

	return unifiedllm.NewClient(
		unifiedllm.WithProvider(name, adapter),
		unifiedllm.WithMiddleware(
			unifiedllm.LogRequests(),
			unifiedllm.RateLimit(unifiedllm.NewRequestLimiter(cfg.RequestsPerMinute)),
		),
	), nil
}

// prepareWorkspace creates the workspace, emptying it first when
// CleanWorkspace is set.
func prepareWorkspace(cfg *config.Config) (string, error) {
	workspace, err := cfg.WorkspacePath()
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if cfg.CleanWorkspace {
		cwd, _ := os.Getwd()
		home, _ := os.UserHomeDir()
		if workspace == "/" || workspace == cwd || workspace == home {
			return "", fmt.Errorf("refusing to clean workspace %s", workspace)
		}
		if err := os.RemoveAll(workspace); err != nil {
			return "", fmt.Errorf("clean workspace: %w", err)
		}
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return workspace, nil
}

// printTree writes the workspace files as an indented tree, skipping
// version control and dependency directories.
func printTree(w io.Writer, root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		depth := strings.Count(rel, string(filepath.Separator))
		name := d.Name()
		if d.IsDir() {
			name += "/"
		}
		_, err = fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth+1), name)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
