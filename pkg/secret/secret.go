// Package secret resolves credential URIs of the form described in spec.md
// §6: env://KEY, file://path, vault://path?field=, aws-sm://id?json_key=,
// gcp-sm://name?version=&json_key=, azure-kv://vault/name?version=.
// Grounded directly on original_source/src/secrets.rs's SecretSpec/resolve
// pair — the URI scheme set, CLI argument shapes, stdout-cap/timeout
// contract, and dotted-JSON-path extraction are carried over verbatim;
// only the syntax changes (net/url parsing and os/exec instead of a hand
// rolled splitter and tokio::process), since spec.md moved the scheme
// prefix from "secret://<provider>/..." to "<provider>://...".
package secret

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"encoding/json"

	"github.com/omne42/ditto-llm/pkg/canon"
)

// Kind discriminates the supported credential source types.
type Kind string

const (
	KindEnv      Kind = "env"
	KindFile     Kind = "file"
	KindVault    Kind = "vault"
	KindAWSSM    Kind = "aws-sm"
	KindGCPSM    Kind = "gcp-sm"
	KindAzureKV  Kind = "azure-kv"
)

// Spec is a parsed credential source.
type Spec struct {
	Kind Kind

	Key  string // env
	Path string // file

	VaultPath string // vault
	Field     string // vault

	SecretID string // aws-sm
	JSONKey  string // aws-sm, gcp-sm

	SecretName string // gcp-sm
	Version    string // gcp-sm, azure-kv

	Vault string // azure-kv
	Name  string // azure-kv
}

// Parse parses a credential URI per spec.md §6.
func Parse(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Spec{}, canon.NewInvalidResponseError("secret: invalid uri %q: %v", raw, err)
	}

	switch u.Scheme {
	case "env":
		key := strings.TrimSpace(joinHostPath(u))
		if key == "" {
			return Spec{}, canon.NewInvalidResponseError("secret: env://<KEY> requires a key")
		}
		return Spec{Kind: KindEnv, Key: key}, nil

	case "file":
		path := strings.TrimSpace(joinHostPath(u))
		if path == "" {
			return Spec{}, canon.NewInvalidResponseError("secret: file://<path> requires a path")
		}
		return Spec{Kind: KindFile, Path: path}, nil

	case "vault":
		path := strings.TrimPrefix(joinHostPath(u), "/")
		if path == "" {
			return Spec{}, canon.NewInvalidResponseError("secret: vault://<path> requires a path")
		}
		field := firstNonEmpty(u.Query().Get("field"), "token")
		return Spec{Kind: KindVault, VaultPath: path, Field: field}, nil

	case "aws-sm":
		id := strings.TrimPrefix(joinHostPath(u), "/")
		if id == "" {
			return Spec{}, canon.NewInvalidResponseError("secret: aws-sm://<id> requires a secret id")
		}
		return Spec{Kind: KindAWSSM, SecretID: id, JSONKey: u.Query().Get("json_key")}, nil

	case "gcp-sm":
		name := strings.TrimPrefix(joinHostPath(u), "/")
		if name == "" {
			return Spec{}, canon.NewInvalidResponseError("secret: gcp-sm://<name> requires a secret name")
		}
		version := firstNonEmpty(u.Query().Get("version"), "latest")
		return Spec{Kind: KindGCPSM, SecretName: name, Version: version, JSONKey: u.Query().Get("json_key")}, nil

	case "azure-kv":
		rest := strings.TrimPrefix(joinHostPath(u), "/")
		vault, name, ok := strings.Cut(rest, "/")
		vault, name = strings.TrimSpace(vault), strings.TrimSpace(name)
		if !ok || vault == "" || name == "" {
			return Spec{}, canon.NewInvalidResponseError("secret: azure-kv://<vault>/<name> requires vault and name")
		}
		return Spec{Kind: KindAzureKV, Vault: vault, Name: name, Version: u.Query().Get("version")}, nil

	default:
		return Spec{}, canon.NewInvalidResponseError("secret: unsupported credential scheme: %s", u.Scheme)
	}
}

// joinHostPath reassembles a URL's host+path, since net/url treats
// "scheme://host/path" as Host="host", Path="/path".
func joinHostPath(u *url.URL) string {
	if u.Host == "" {
		return u.Path
	}
	return u.Host + u.Path
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// command is an external CLI invocation that resolves a non-env, non-file
// credential source.
type command struct {
	program string
	args    []string
	env     map[string]string
	jsonKey string
}

func (s Spec) buildCommand() *command {
	switch s.Kind {
	case KindVault:
		return &command{
			program: "vault",
			args:    []string{"kv", "get", "-field=" + s.Field, s.VaultPath},
		}
	case KindAWSSM:
		return &command{
			program: "aws",
			args: []string{
				"secretsmanager", "get-secret-value",
				"--secret-id", s.SecretID,
				"--query", "SecretString",
				"--output", "text",
			},
			jsonKey: s.JSONKey,
		}
	case KindGCPSM:
		return &command{
			program: "gcloud",
			args: []string{
				"secrets", "versions", "access", s.Version,
				"--secret", s.SecretName,
			},
			jsonKey: s.JSONKey,
		}
	case KindAzureKV:
		args := []string{
			"keyvault", "secret", "show",
			"--vault-name", s.Vault,
			"--name", s.Name,
			"--query", "value",
			"-o", "tsv",
		}
		if s.Version != "" {
			args = append(args, "--version", s.Version)
		}
		return &command{program: "az", args: args}
	default:
		return nil
	}
}

const (
	defaultCommandTimeout = 15 * time.Second
	maxCommandTimeout     = 300 * time.Second
	maxCommandOutputBytes = 64 * 1024
)

func commandTimeout() time.Duration {
	if ms := os.Getenv("DITTO_SECRET_COMMAND_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.ParseUint(strings.TrimSpace(ms), 10, 64); err == nil && v > 0 {
			d := time.Duration(v) * time.Millisecond
			if d > maxCommandTimeout {
				d = maxCommandTimeout
			}
			return d
		}
	}
	if secs := os.Getenv("DITTO_SECRET_COMMAND_TIMEOUT_SECS"); secs != "" {
		if v, err := strconv.ParseUint(strings.TrimSpace(secs), 10, 64); err == nil && v > 0 {
			d := time.Duration(v) * time.Second
			if d > maxCommandTimeout {
				d = maxCommandTimeout
			}
			return d
		}
	}
	return defaultCommandTimeout
}

// Resolve resolves the secret, spawning a vendor CLI when the source is
// CLI-backed (spec.md §6: "stdin closed, bounded stdout (64 KiB), stdout
// trimmed; when json_key= is present the value is a dotted JSON path into
// the first object of stdout").
func (s Spec) Resolve(ctx context.Context) (string, error) {
	switch s.Kind {
	case KindEnv:
		v := os.Getenv(s.Key)
		if strings.TrimSpace(v) == "" {
			return "", canon.NewAuthCommandError("missing env var: %s", s.Key)
		}
		return v, nil

	case KindFile:
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return "", canon.NewIOError(err)
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return "", canon.NewInvalidResponseError("secret file is empty: %s", s.Path)
		}
		return v, nil

	default:
		cmd := s.buildCommand()
		if cmd == nil {
			return "", canon.NewInvalidResponseError("secret is not resolvable")
		}
		out, err := runCommand(ctx, cmd)
		if err != nil {
			return "", err
		}
		if cmd.jsonKey != "" {
			return extractJSONKey(out, cmd.jsonKey)
		}
		return out, nil
	}
}

// Resolve parses raw and resolves it in one step.
func Resolve(ctx context.Context, raw string) (string, error) {
	spec, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return spec.Resolve(ctx)
}

type boundedWriter struct {
	buf bytes.Buffer
	max int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.max {
		return 0, fmt.Errorf("command output exceeds %d bytes", w.max)
	}
	return w.buf.Write(p)
}

func runCommand(ctx context.Context, cmd *command) (string, error) {
	timeout := commandTimeout()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(cctx, cmd.program, cmd.args...)
	execCmd.Stdin = nil // closed
	for k, v := range cmd.env {
		execCmd.Env = append(execCmd.Env, k+"="+v)
	}
	if execCmd.Env != nil {
		execCmd.Env = append(os.Environ(), execCmd.Env...)
	}

	var stdout boundedWriter
	stdout.max = maxCommandOutputBytes
	var stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	runErr := execCmd.Run()

	if cctx.Err() != nil {
		return "", canon.NewAuthCommandError("command %s timed out after %s", cmd.program, timeout)
	}
	if runErr != nil {
		if stderrPreview := previewStderr(stderr.String()); stderrPreview != "" {
			return "", canon.NewAuthCommandError("command %s failed: %v: %s", cmd.program, runErr, stderrPreview)
		}
		return "", canon.NewAuthCommandError("command %s failed: %v", cmd.program, runErr)
	}

	value := strings.TrimSpace(stdout.buf.String())
	if value == "" {
		return "", canon.NewAuthCommandError("command %s returned empty stdout", cmd.program)
	}
	return value, nil
}

func previewStderr(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	const maxPreview = 200
	if len(s) > maxPreview {
		s = s[:maxPreview]
	}
	return s
}

// extractJSONKey walks a dotted path into the first JSON object decoded
// from raw, stringifying the final value.
func extractJSONKey(raw, key string) (string, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", canon.NewInvalidResponseError("secret json is not valid JSON: %v", err)
	}

	cursor := doc
	for _, part := range strings.Split(key, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		obj, ok := cursor.(map[string]any)
		if !ok {
			return "", canon.NewInvalidResponseError("secret json missing key: %s", key)
		}
		v, ok := obj[part]
		if !ok {
			return "", canon.NewInvalidResponseError("secret json missing key: %s", key)
		}
		cursor = v
	}

	switch v := cursor.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", canon.NewInvalidResponseError("secret json key %s is not representable", key)
		}
		return string(b), nil
	}
}
