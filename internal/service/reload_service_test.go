package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/fastproxy/fastproxy/internal/config"
	"github.com/fastproxy/fastproxy/internal/domain/route"
)

type stubValidator struct {
	denySubstring string
}

func (v *stubValidator) Validate(_ context.Context, rawURL string) ([]net.IP, error) {
	if v.denySubstring != "" && strings.Contains(rawURL, v.denySubstring) {
		return nil, errors.New("unsafe upstream")
	}
	return []net.IP{net.ParseIP("93.184.216.34")}, nil
}

func setupConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fastproxy.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.InitViper(path)
	return path
}

func newReloadFixture(t *testing.T, validator UpstreamValidator) (*ReloadService, *route.Table, string) {
	t.Helper()
	path := setupConfigFile(t, "routes:\n  - path: /api\n    target: http://one.internal\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snapshot, err := BuildSnapshot(context.Background(), cfg, validator)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	table := route.NewTable(snapshot)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReloadService(table, validator, cfg, logger), table, path
}

func TestReloadService_SwapsRoutes(t *testing.T) {
	svc, table, path := newReloadFixture(t, &stubValidator{})

	updated := "routes:\n" +
		"  - path: /api\n    target: http://one.internal\n" +
		"  - path: /files\n    target: http://two.internal\n    strip_path: true\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	result, err := svc.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if result.Routes != 2 {
		t.Fatalf("result.Routes = %d, want 2", result.Routes)
	}

	matched := table.Load().Match("/files/report.pdf")
	if matched == nil || matched.Upstream != "http://two.internal" {
		t.Fatalf("new route not serving: %+v", matched)
	}
	if !matched.StripPath {
		t.Error("strip_path not carried into the snapshot")
	}
}

func TestReloadService_RejectsInvalidConfigKeepsServing(t *testing.T) {
	svc, table, path := newReloadFixture(t, &stubValidator{})
	before := table.Load()

	if err := os.WriteFile(path, []byte("routes: []\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if _, err := svc.Reload(context.Background()); err == nil {
		t.Fatal("empty route table accepted")
	}

	if table.Load() != before {
		t.Fatal("snapshot replaced despite failed reload")
	}
	if table.Load().Match("/api/x") == nil {
		t.Fatal("previous routes no longer serving")
	}
}

func TestReloadService_RejectsUnsafeUpstreamAllOrNothing(t *testing.T) {
	svc, table, path := newReloadFixture(t, &stubValidator{denySubstring: "evil"})
	before := table.Load()

	updated := "routes:\n" +
		"  - path: /good\n    target: http://fine.internal\n" +
		"  - path: /bad\n    target: http://evil.internal\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if _, err := svc.Reload(context.Background()); err == nil {
		t.Fatal("document with unsafe upstream accepted")
	}
	if table.Load() != before {
		t.Fatal("partial install happened")
	}
	if table.Load().Match("/good/x") != nil && table.Load().Match("/good/x").Upstream == "http://fine.internal" {
		t.Fatal("safe route from rejected document installed")
	}
}

func TestReloadService_ConfigTracksLastGood(t *testing.T) {
	svc, _, path := newReloadFixture(t, &stubValidator{})

	updated := "routes:\n  - path: /api\n    target: http://one.internal\nrate_limit:\n  requests_per_minute: 7\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if _, err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := svc.Config().RateLimit.RequestsPerMinute; got != 7 {
		t.Fatalf("running config requests_per_minute = %d, want 7", got)
	}
}
