package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"voice-platform/internal/auth"
	"voice-platform/internal/config"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "worker dev") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestJobsCmd_ListsEveryJob(t *testing.T) {
	out, err := runCmd(t, "jobs")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	for _, want := range []string{"stale-call-sweep", "recording-processor", "transcript-processor", "analytics-pipeline", "@every 30m", "SWEEP_SCHEDULE"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRunCmd_RejectsUnknownJobBeforeConnecting(t *testing.T) {
	_, err := runCmd(t, "run", "defragment")
	if err == nil || !strings.Contains(err.Error(), "unknown job") {
		t.Fatalf("expected unknown job error, got %v", err)
	}
	if _, err := runCmd(t, "run"); err == nil {
		t.Fatalf("expected arg count error")
	}
}

func TestMigrateCmd_List(t *testing.T) {
	out, err := runCmd(t, "migrate", "--list")
	if err != nil {
		t.Fatalf("migrate --list failed: %v", err)
	}
	if !strings.Contains(out, "001_calls.sql") {
		t.Fatalf("expected embedded migration names, got %q", out)
	}
}

func TestIssueTokenCmd(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("JWT_ISSUER", "")
	t.Setenv("JWT_AUDIENCE", "")

	out, err := runCmd(t, "issue-token", "--user", "u1", "--role", "agent")
	if err != nil {
		t.Fatalf("issue-token failed: %v", err)
	}
	var pair map[string]string
	if err := json.Unmarshal([]byte(out), &pair); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret"})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	claims, err := m.Verify(pair["access_token"], auth.TokenTypeAccess, time.Now())
	if err != nil || claims.UserID != "u1" || claims.Role != "agent" {
		t.Fatalf("unexpected claims %+v %v", claims, err)
	}

	if _, err := runCmd(t, "issue-token", "--user", "u1", "--role", "owner"); err == nil {
		t.Fatalf("expected role error")
	}
}
