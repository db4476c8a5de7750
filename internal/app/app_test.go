package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peptisync/internal/alerting"
	"peptisync/internal/config"
)

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Upsert:   config.UpsertConfig{Workers: 2},
		Importer: config.ImporterConfig{DefaultUser: "system", MaxUploadBytes: 1 << 20},
		Report:   config.ReportConfig{MaxDataPoints: 100},
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestImportDryRunWithoutDatabase(t *testing.T) {
	a, out := testApp(t)

	path := filepath.Join(t.TempDir(), "prices.csv")
	sheet := "vendor_id,tier,peptide_name,size_mg,price_usd\n" +
		"V1,research,BPC-157,5,50\n" +
		"V1,research,BPC-157,10,90\n" +
		"V1,research,BPC-157,5,55\n" +
		",research,TB-500,5,40\n"
	require.NoError(t, os.WriteFile(path, []byte(sheet), 0o644))

	err := a.Import(context.Background(), ImportOptions{Path: path, DryRun: true, BatchID: "batch-1"})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "batch batch-1 (dry run, nothing written)")
	assert.Contains(t, text, "created=2 updated=1 unchanged=0 history=1 failed=0 skipped=1")
	assert.Contains(t, text, "skipped line 5")
}

func TestImportRejectsUnknownExtension(t *testing.T) {
	a, _ := testApp(t)
	err := a.Import(context.Background(), ImportOptions{Path: "prices.pdf", DryRun: true})
	assert.Error(t, err)
}

func TestCommandsRequireDatabase(t *testing.T) {
	a, _ := testApp(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.Offers(ctx, OffersOptions{}), errNoDatabase)
	assert.ErrorIs(t, a.History(ctx, HistoryOptions{OfferID: "x"}), errNoDatabase)
	assert.ErrorIs(t, a.Migrate(ctx, "up"), errNoDatabase)

	path := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(path, []byte("vendor_id,tier,peptide_name,size_mg,price_usd\nV1,research,X,5,1\n"), 0o644))
	assert.ErrorIs(t, a.Import(ctx, ImportOptions{Path: path}), errNoDatabase)
}

func TestNewNotifier(t *testing.T) {
	a, _ := testApp(t)
	assert.Nil(t, a.newNotifier())

	a.Config.Alerting = config.AlertingConfig{Enabled: true, Channels: []string{"log", "telegram"}}
	multi, ok := a.newNotifier().(alerting.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 1)

	a.Config.Alerting.Channels = []string{"telegram"}
	assert.Nil(t, a.newNotifier())
}

func TestImportDryRunSkipsLiveChannels(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a, _ := testApp(t)
	a.Config.Alerting = config.AlertingConfig{
		Enabled:  true,
		Channels: []string{"telegram"},
		Telegram: config.TelegramConfig{Enabled: true, BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second},
	}

	path := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(path, []byte("vendor_id,tier,peptide_name,size_mg,price_usd\nV1,research,X,5,1\n"), 0o644))

	require.NoError(t, a.Import(context.Background(), ImportOptions{Path: path, DryRun: true}))
	assert.Zero(t, calls.Load())

	_, isLog := a.dryRunNotifier().(*alerting.LogNotifier)
	assert.True(t, isLog)
}
