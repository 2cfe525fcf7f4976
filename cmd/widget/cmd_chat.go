package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/siacasa/widget-sync/internal/archive"
	"github.com/siacasa/widget-sync/internal/backend"
	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/chatsync"
	"github.com/siacasa/widget-sync/internal/config"
	"github.com/siacasa/widget-sync/internal/messaging"
	"github.com/siacasa/widget-sync/internal/metrics"
	"github.com/siacasa/widget-sync/internal/realtime"
	"github.com/siacasa/widget-sync/internal/session"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat",
	Long: `Open an interactive chat. Each input line is sent to the support backend.

Commands:
  /reset    start a new conversation
  /history  show recent messages
  /retry    reconnect the realtime channel after it gave up
  /quit     end the session and exit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

// terminal renders the transcript on a writer.
type terminal struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}

func (t *terminal) entry(e chat.Entry) {
	t.printf("[%s] %s: %s\n", e.Message.Time().Local().Format("15:04"), e.Message.DisplayName(), e.Message.Content)
}

func (t *terminal) OnMessage(_ session.Identity, e chat.Entry) { t.entry(e) }

func (t *terminal) OnTyping(active bool) {
	if active {
		t.printf("(%s está escribiendo...)\n", chat.DefaultAgentName)
	}
}

func (t *terminal) OnStateChange(state realtime.State) {
	t.printf("-- realtime %s --\n", state)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	banks, err := config.LoadBanks(cfg.BanksFile)
	if err != nil {
		return err
	}

	store, closeStore, err := identityStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	term := &terminal{w: cmd.OutOrStdout()}
	listeners := chatsync.Listeners{term}

	if cfg.PostgresDSN != "" {
		if err := archive.Migrate(cfg.PostgresDSN); err != nil {
			return err
		}
		arch, err := archive.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer arch.Close()
		writer := archive.NewWriter(arch, 0, slog.Default())
		defer writer.Close()
		listeners = append(listeners, writer)
	}

	client := chatsync.New(cfg.Sync(banks.CodeFor(cfg.Host)), store, backend.New(cfg.Backend()), listeners, slog.Default())

	if cfg.RealtimeURL != "" {
		client.SetRealtime(realtime.New(cfg.Realtime(), client, slog.Default()))
	}
	if cfg.NATSURL != "" {
		nc, err := messaging.NewNATSClient(cfg.NATS(), slog.Default())
		if err != nil {
			slog.Warn("unicast disabled", "error", err)
		} else {
			defer nc.Close()
			client.SetUnicast(nc)
		}
	}
	limiter, closeLimiter := sendLimiter(cfg)
	defer closeLimiter()
	if limiter != nil {
		client.SetLimiter(limiter)
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer srv.Close()
	}

	if err := client.Start(ctx); err != nil {
		return err
	}
	id := client.Identity()
	slog.Info("widget started", "session_id", id.SessionID, "ticket_id", id.TicketID, "bank_code", banks.CodeFor(cfg.Host))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := handleLine(ctx, client, term, line); quit {
				break loop
			}
		}
	}

	// Let the end-session notification finish, bounded by its own timeout.
	done := client.Shutdown()
	select {
	case <-done:
	case <-time.After(cfg.BeaconTimeout):
	}
	return client.Close()
}

func handleLine(ctx context.Context, client *chatsync.Client, term *terminal, line string) bool {
	// Any input line is visitor activity, blank ones and commands included.
	client.Touch()
	switch strings.TrimSpace(line) {
	case "/quit":
		return true
	case "/reset":
		if err := client.Reset(ctx); err != nil {
			term.printf("No se pudo reiniciar la conversación: %v\n", err)
			return false
		}
		term.printf("-- nueva conversación %s --\n", client.Identity().SessionID)
	case "/history":
		for _, e := range client.History() {
			term.entry(e)
		}
	case "/retry":
		client.RetryRealtime()
	default:
		err := client.SendUserMessage(ctx, line)
		if err != nil && !errors.Is(err, chatsync.ErrThrottled) {
			term.printf("No se pudo enviar: %v\n", err)
		}
	}
	return false
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}
