package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxListed caps how many failures and price moves are spelled out in one message.
const maxListed = 10

// FailureNote describes one row that could not be imported.
type FailureNote struct {
	Row    int
	Key    string
	Reason string
}

// PriceMove is a recorded price change at or above the alert threshold.
type PriceMove struct {
	Key       string
	Field     string
	ChangePct decimal.Decimal
}

// ImportNotification summarises one finished import batch.
type ImportNotification struct {
	BatchID     string
	Source      string
	SubmittedBy string
	FinishedAt  time.Time
	// DryRun marks a batch whose writes were discarded.
	DryRun bool

	Created        int
	Updated        int
	Unchanged      int
	HistoryCreated int
	Failed         int

	Failures []FailureNote
	BigMoves []PriceMove
	Err      error
}

// Succeeded reports whether every row was applied.
func (n ImportNotification) Succeeded() bool {
	return n.Err == nil && n.Failed == 0
}

// Notifier delivers import notifications.
type Notifier interface {
	Notify(ctx context.Context, note ImportNotification) error
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered summary.
func (n *TelegramNotifier) Notify(ctx context.Context, note ImportNotification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return errors.New("telegram returned ok=false")
	}

	n.logger.Info().Str("batch_id", note.BatchID).Bool("succeeded", note.Succeeded()).Msg("import notification sent")
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a notifier writing to logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the summary at info level, or error level when rows failed.
func (n *LogNotifier) Notify(_ context.Context, note ImportNotification) error {
	event := n.logger.Info()
	if !note.Succeeded() {
		event = n.logger.Error().AnErr("batch_error", note.Err)
	}
	event.Str("batch_id", note.BatchID).
		Str("source", note.Source).
		Bool("dry_run", note.DryRun).
		Int("created", note.Created).
		Int("updated", note.Updated).
		Int("unchanged", note.Unchanged).
		Int("history_created", note.HistoryCreated).
		Int("failed", note.Failed).
		Int("big_moves", len(note.BigMoves)).
		Msg("import finished")
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

// Notify delivers to every notifier even when an earlier one fails.
func (m Multi) Notify(ctx context.Context, note ImportNotification) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note ImportNotification) string {
	var b strings.Builder

	status := "completed"
	switch {
	case note.Err != nil:
		status = "aborted"
	case note.Failed > 0:
		status = "completed with failures"
	}
	if note.DryRun {
		status = "dry run " + status
	}
	fmt.Fprintf(&b, "[PeptiSync import %s]\n", status)
	fmt.Fprintf(&b, "Batch: %s\n", note.BatchID)
	if note.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", note.Source)
	}
	if note.SubmittedBy != "" {
		fmt.Fprintf(&b, "By: %s\n", note.SubmittedBy)
	}
	if !note.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Finished: %s UTC\n", note.FinishedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Created: %d  Updated: %d  Unchanged: %d  History: %d  Failed: %d\n",
		note.Created, note.Updated, note.Unchanged, note.HistoryCreated, note.Failed)

	if note.Err != nil {
		fmt.Fprintf(&b, "Error: %s\n", note.Err)
	}

	if len(note.BigMoves) > 0 {
		b.WriteString("Price moves:\n")
		for i, mv := range note.BigMoves {
			if i == maxListed {
				fmt.Fprintf(&b, "  ... and %d more\n", len(note.BigMoves)-maxListed)
				break
			}
			fmt.Fprintf(&b, "  %s %s %s%%\n", mv.Key, mv.Field, signed(mv.ChangePct))
		}
	}

	if len(note.Failures) > 0 {
		b.WriteString("Failures:\n")
		for i, f := range note.Failures {
			if i == maxListed {
				fmt.Fprintf(&b, "  ... and %d more\n", len(note.Failures)-maxListed)
				break
			}
			fmt.Fprintf(&b, "  row %d %s: %s\n", f.Row, f.Key, f.Reason)
		}
	}
	return b.String()
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
