package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/tool"
	"github.com/nihongo-cloud/kotoba/pkg/tool/lexicon"
	"github.com/nihongo-cloud/kotoba/pkg/usecase/chat"
	"github.com/urfave/cli/v3"
)

// chatOptions holds retrieval and turn settings shared by chat and ask
type chatOptions struct {
	topK           int64
	acceptDistance float64
	turnTimeout    time.Duration
	maxRounds      int64
	memoryTurns    int64
	memoryChars    int64
	sessionID      string
	showSources    bool
}

func chatFlags(opts *chatOptions) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "top-k",
			Usage:       "Records retrieved per question",
			Value:       chat.DefaultTopK,
			Sources:     cli.EnvVars("KOTOBA_TOP_K"),
			Destination: &opts.topK,
		},
		&cli.FloatFlag{
			Name:        "accept-distance",
			Usage:       "Largest squared L2 distance accepted as a match (0 to 4 on unit vectors)",
			Value:       lexicon.DefaultAcceptDistance,
			Sources:     cli.EnvVars("KOTOBA_ACCEPT_DISTANCE"),
			Destination: &opts.acceptDistance,
		},
		&cli.DurationFlag{
			Name:        "turn-timeout",
			Usage:       "Time limit for answering one question",
			Value:       chat.DefaultTurnTimeout,
			Sources:     cli.EnvVars("KOTOBA_TURN_TIMEOUT"),
			Destination: &opts.turnTimeout,
		},
		&cli.IntFlag{
			Name:        "max-rounds",
			Usage:       "Tool rounds allowed per question",
			Value:       chat.DefaultMaxRounds,
			Sources:     cli.EnvVars("KOTOBA_MAX_ROUNDS"),
			Destination: &opts.maxRounds,
		},
		&cli.IntFlag{
			Name:        "memory-turns",
			Usage:       "Previous turns remembered per session",
			Value:       chat.DefaultMemoryTurns,
			Sources:     cli.EnvVars("KOTOBA_MEMORY_TURNS"),
			Destination: &opts.memoryTurns,
		},
		&cli.IntFlag{
			Name:        "memory-chars",
			Usage:       "Characters of previous turns remembered per session",
			Value:       chat.DefaultMemoryChars,
			Sources:     cli.EnvVars("KOTOBA_MEMORY_CHARS"),
			Destination: &opts.memoryChars,
		},
		&cli.StringFlag{
			Name:        "session",
			Aliases:     []string{"s"},
			Usage:       "Session ID to resume; a new one is generated when empty",
			Sources:     cli.EnvVars("KOTOBA_SESSION_ID"),
			Destination: &opts.sessionID,
		},
		&cli.BoolFlag{
			Name:        "sources",
			Usage:       "Print the dictionary entries retrieved for each answer",
			Destination: &opts.showSources,
		},
	}
}

// newOrchestrator wires the record store, Gemini, the vector index and the tools into a chat orchestrator
func newOrchestrator(ctx context.Context, cfg *config, opts *chatOptions, lex *lexicon.Tool, registry *tool.Registry, cl *closer) (*chat.Orchestrator, error) {
	repo, inMemory, err := cfg.newRepository(ctx, cl)
	if err != nil {
		return nil, err
	}

	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}
	provider := cfg.newProvider(gemini)
	if inMemory {
		if err := syncInMemory(ctx, repo, provider); err != nil {
			return nil, err
		}
	}

	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return nil, err
	}
	cache := cfg.newIndexCache(repo, storage)

	if err := registry.Init(ctx, &tool.Client{
		Repo:           repo,
		Embedder:       provider,
		Index:          cache,
		AcceptDistance: opts.acceptDistance,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to initialize tools")
	}

	convLogger, err := cfg.newConversationLogger(ctx, cl)
	if err != nil {
		return nil, err
	}

	orch, err := chat.New(chat.NewInput{
		Embedder:   provider,
		Index:      cache,
		Repo:       repo,
		Matcher:    lex,
		Controller: chat.NewController(gemini, registry, chat.WithMaxRounds(int(opts.maxRounds))),
		Prompts:    registry,
		Memory:     chat.NewSessionMemory(int(opts.memoryTurns), int(opts.memoryChars), chat.DefaultMemoryIdle),
		Histories:  chat.NewHistoryStore(storage),
		Logger:     convLogger,
		Config: chat.Config{
			TopK:           int(opts.topK),
			AcceptDistance: opts.acceptDistance,
			TurnTimeout:    opts.turnTimeout,
			DetailBaseURL:  lex.DetailBaseURL(),
		},
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create chat orchestrator")
	}
	cl.add(func() error {
		orch.Flush()
		return nil
	})
	return orch, nil
}

func chatCommand() *cli.Command {
	var (
		cfg  config
		opts chatOptions
	)
	lex := lexicon.New()
	registry := tool.New(lex)

	flags := chatFlags(&opts)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, logFlags(&cfg)...)
	flags = append(flags, registry.Flags()...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Ask questions about Japanese words, kanji and sentences interactively",
		Flags: flags,
		Action: action(func(ctx context.Context, c *cli.Command) error {
			var cl closer
			defer cl.Close(ctx)

			orch, err := newOrchestrator(ctx, &cfg, &opts, lex, registry, &cl)
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     historyFile(),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to start line editor")
			}
			defer rl.Close()

			w := c.Root().Writer
			sessionID := opts.sessionID
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			if err := chat.ValidateSessionID(sessionID); err != nil {
				return err
			}
			fmt.Fprintf(w, "Session %s started. Type 'exit' to quit.\n", sessionID)

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				if message == "" {
					continue
				}
				if message == "exit" || message == "quit" {
					break
				}

				sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
				sp.Suffix = " looking it up..."
				sp.Start()
				answer, err := orch.Chat(ctx, chat.ChatInput{Message: message, SessionID: sessionID})
				sp.Stop()

				if err != nil {
					if ctx.Err() != nil {
						break
					}
					fmt.Fprintf(w, "error: %v\n", err)
					continue
				}
				printAnswer(w, answer, opts.showSources)
			}

			fmt.Fprintf(w, "\nSession %s ended\n", sessionID)
			return nil
		}),
	}
}

func askCommand() *cli.Command {
	var (
		cfg     config
		opts    chatOptions
		jsonOut bool
	)
	lex := lexicon.New()
	registry := tool.New(lex)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print the answer with sources and tool trace as JSON",
			Destination: &jsonOut,
		},
	}
	flags = append(flags, chatFlags(&opts)...)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, logFlags(&cfg)...)
	flags = append(flags, registry.Flags()...)

	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a single question",
		ArgsUsage: "<question>",
		Flags:     flags,
		Action: action(func(ctx context.Context, c *cli.Command) error {
			question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if question == "" {
				return goerr.New("question is required")
			}

			var cl closer
			defer cl.Close(ctx)

			orch, err := newOrchestrator(ctx, &cfg, &opts, lex, registry, &cl)
			if err != nil {
				return err
			}

			answer, err := orch.Chat(ctx, chat.ChatInput{Message: question, SessionID: opts.sessionID})
			if err != nil {
				return goerr.Wrap(err, "failed to answer")
			}

			w := c.Root().Writer
			if jsonOut {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(answer)
			}
			printAnswer(w, answer, opts.showSources)
			return nil
		}),
	}
}

func printAnswer(w io.Writer, answer *chat.Answer, showSources bool) {
	fmt.Fprintf(w, "%s\n", answer.Text)
	if answer.Partial {
		fmt.Fprintf(w, "(partial answer)\n")
	}
	if !showSources {
		return
	}
	for _, s := range answer.Sources {
		if s.Distance != nil {
			fmt.Fprintf(w, "  [%s] %s %s (%s, %.3f)\n", s.Ref, s.Summary, s.DetailURL, s.Method, *s.Distance)
			continue
		}
		fmt.Fprintf(w, "  [%s] %s %s (%s)\n", s.Ref, s.Summary, s.DetailURL, s.Method)
	}
	for _, tr := range answer.ToolTrace {
		status := "ok"
		if !tr.Result.Success {
			status = tr.Result.Reason
		}
		fmt.Fprintf(w, "  tool round %d: %s %v -> %s\n", tr.Round, tr.Call.Name, tr.Call.Args, status)
	}
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "kotoba")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}
