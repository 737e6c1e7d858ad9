package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaynote/internal/auth"
	"github.com/agentworkforce/relaynote/internal/blockstore"
	"github.com/agentworkforce/relaynote/internal/channel"
	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/execution"
	"github.com/agentworkforce/relaynote/internal/metrics"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/runlog"
	"github.com/agentworkforce/relaynote/internal/session"
)

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(log.Default()).ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatalf("relaynote: %v", err)
	}
}

type rootOptions struct {
	logger     *log.Logger
	configPath string
	room       string
	token      string
	apiURL     string
	channelURL string
}

func newRootCommand(logger *log.Logger) *cobra.Command {
	opts := &rootOptions{logger: logger}
	cmd := &cobra.Command{
		Use:   "relaynote",
		Short: "Collaborate on a notebook room from the terminal",
		Long: `Connect to a notebook room, follow its notebooks, run blocks and manage
milestones.

Settings come from --config, then RELAYNOTE_* variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv("RELAYNOTE_CONFIG"), "path to a YAML config file")
	flags.StringVar(&opts.room, "room", "", "room to join (overrides RELAYNOTE_ROOM)")
	flags.StringVar(&opts.token, "token", "", "bearer token (overrides RELAYNOTE_TOKEN)")
	flags.StringVar(&opts.apiURL, "api-url", "", "HTTP API base URL")
	flags.StringVar(&opts.channelURL, "channel-url", "", "realtime channel URL")

	cmd.AddCommand(
		newNotebooksCommand(opts),
		newCreateNotebookCommand(opts),
		newWatchCommand(opts),
		newRunCommand(opts),
		newChatCommand(opts),
		newMilestonesCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load() (config.Client, error) {
	return config.LoadClient(o.configPath, func(c *config.Client) {
		if o.room != "" {
			c.Room = o.room
		}
		if o.token != "" {
			c.Token = o.token
		}
		if o.apiURL != "" {
			c.APIURL = o.apiURL
		}
		if o.channelURL != "" {
			c.ChannelURL = o.channelURL
		}
	})
}

// client is one connected, joined session with its execution bridge.
type client struct {
	cfg        config.Client
	logger     *log.Logger
	api        *remote.HTTPClient
	controller *session.Controller
	bridge     *execution.Bridge
	runs       *runlog.Log
	cleanup    []func()
}

// openClient connects to the configured room and joins it. Chat messages
// are written to out.
func openClient(ctx context.Context, opts *rootOptions, out io.Writer) (*client, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	logger := opts.logger
	c := &client{cfg: cfg, logger: logger}

	var provider auth.Provider
	var fileProvider *auth.FileProvider
	if cfg.CredentialsFile != "" {
		fileProvider, err = auth.NewFileProvider(cfg.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		provider = fileProvider
	} else {
		provider = auth.NewStaticProvider(auth.SessionFromToken(cfg.Token))
	}
	current, err := provider.Session(ctx)
	if err != nil {
		return nil, err
	}

	c.api = remote.NewHTTPClient(cfg.APIURL, current.AccessToken, &http.Client{Timeout: cfg.HTTPTimeout})
	c.api.SetRetryPolicy(cfg.MaxRetries, retryBaseDelay, retryMaxDelay)
	if fileProvider != nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := fileProvider.Watch(watchCtx); err != nil {
				logger.Printf("credentials watch stopped: %v", err)
			}
		}()
		unsubscribe := fileProvider.Subscribe(func(s auth.Session) {
			c.api.SetToken(s.AccessToken)
		})
		c.cleanup = append(c.cleanup, unsubscribe, cancel)
	}

	var backend runlog.Backend
	if cfg.RunLogDSN != "" {
		backend, err = runlog.BuildBackendFromDSN(cfg.RunLogDSN)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("run log backend: %w", err)
		}
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.runs = runlog.NewLog(sessionID, backend, logger)
	if err := c.runs.Restore(ctx); err != nil {
		logger.Printf("restore run log %s: %v", sessionID, err)
	}

	collectors, err := metrics.New(nil)
	if err != nil {
		c.close()
		return nil, err
	}
	blocks := blockstore.New()
	c.bridge = execution.NewBridge(execution.Options{
		Room:      cfg.Room,
		Service:   execution.NewHTTPService(c.api),
		Blocks:    blocks,
		RunLog:    c.runs,
		Metrics:   collectors,
		Logger:    logger,
		AutoStart: cfg.ExecAutoStart,
	})
	c.controller = session.New(session.Options{
		Dial:            session.ChannelDialer(channel.Options{URL: cfg.ChannelURL, AckTimeout: cfg.AckTimeout, Logger: logger, Metrics: collectors}),
		State:           c.api,
		Milestones:      c.api,
		Blocks:          blocks,
		Execution:       c.bridge,
		PresenceLimiter: rate.NewLimiter(rate.Every(cfg.PresenceEvery), 1),
		Metrics:         collectors,
		Logger:          logger,
		OnChat: func(msg channel.ChatMessage) {
			fmt.Fprintf(out, "[%s] %s: %s\n", msg.SentAt.Format(time.Kitchen), chatAuthor(msg), msg.Content)
		},
		OnError: func(err error) {
			logger.Printf("session: %v", err)
		},
	})

	if err := c.controller.ConnectWith(ctx, cfg.Room, provider); err != nil {
		c.close()
		return nil, err
	}
	if err := c.controller.JoinRoom(ctx, cfg.Room); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *client) close() {
	if c.controller != nil {
		if err := c.controller.Close(); err != nil {
			c.logger.Printf("close session: %v", err)
		}
	}
	if c.runs != nil {
		if err := c.runs.Close(); err != nil {
			c.logger.Printf("close run log: %v", err)
		}
	}
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

// newAPI builds the HTTP client for commands that need no channel.
func newAPI(ctx context.Context, opts *rootOptions) (config.Client, *remote.HTTPClient, error) {
	cfg, err := opts.load()
	if err != nil {
		return config.Client{}, nil, err
	}
	token := cfg.Token
	if cfg.CredentialsFile != "" {
		provider, err := auth.NewFileProvider(cfg.CredentialsFile, opts.logger)
		if err != nil {
			return config.Client{}, nil, fmt.Errorf("load credentials: %w", err)
		}
		current, err := provider.Session(ctx)
		if err != nil {
			return config.Client{}, nil, err
		}
		token = current.AccessToken
	}
	api := remote.NewHTTPClient(cfg.APIURL, token, &http.Client{Timeout: cfg.HTTPTimeout})
	api.SetRetryPolicy(cfg.MaxRetries, retryBaseDelay, retryMaxDelay)
	return cfg, api, nil
}

// activate switches to notebookID and waits for it to finish loading.
func (c *client) activate(ctx context.Context, notebookID string) error {
	c.controller.SelectNotebook(notebookID)
	if err := c.controller.SwitchNotebook(ctx, notebookID); err != nil {
		return err
	}
	if state := c.controller.LoadState(notebookID); state != session.Loaded {
		return fmt.Errorf("notebook %s is %s", notebookID, state)
	}
	return nil
}

// waitForDirectory gives the notebook history that follows a join up to
// wait to arrive.
func (c *client) waitForDirectory(ctx context.Context, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for c.controller.Directory().Len() == 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func chatAuthor(msg channel.ChatMessage) string {
	if msg.UserEmail != "" {
		return msg.UserEmail
	}
	return msg.UserID
}
