package preflight

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"talkingheads/internal/config"
	"talkingheads/internal/deps"
)

const apiCheckTimeout = 10 * time.Second

// CheckElevenLabs verifies the ElevenLabs key by fetching the account record.
func CheckElevenLabs(ctx context.Context, client *http.Client, creds config.Credentials) Result {
	return checkAPI(ctx, client, "ElevenLabs", creds, "/user", func(req *http.Request, key string) {
		req.Header.Set("xi-api-key", key)
	})
}

// CheckDID verifies the D-ID key by fetching the remaining credits.
func CheckDID(ctx context.Context, client *http.Client, creds config.Credentials) Result {
	return checkAPI(ctx, client, "D-ID", creds, "/credits", func(req *http.Request, key string) {
		req.Header.Set("Authorization", "Basic "+didAuth(key))
	})
}

// didAuth accepts either a raw "user:secret" pair or an already encoded key.
func didAuth(key string) string {
	if strings.Contains(key, ":") {
		return base64.StdEncoding.EncodeToString([]byte(key))
	}
	return key
}

func checkAPI(ctx context.Context, client *http.Client, name string, creds config.Credentials, path string, auth func(*http.Request, string)) Result {
	base := strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")
	if base == "" {
		return Result{Name: name, Detail: "missing base url"}
	}
	key := strings.TrimSpace(creds.APIKey)
	if key == "" {
		return Result{Name: name, Detail: "missing api key"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, apiCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, base+path, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("auth check failed (%v)", err)}
	}
	auth(req, key)

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Name: name, Passed: true, Detail: "API reachable"}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Result{Name: name, Detail: "auth failed (invalid api key)"}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("auth check failed (%d)", resp.StatusCode)}
	}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the binaries a render needs for the given config.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "FFmpeg",
			Command:     cfg.FFmpegBinary(),
			Description: "Required for compositing and encoding",
		},
		{
			Name:        "FFprobe",
			Command:     cfg.FFprobeBinary(),
			Description: "Required for clip and output inspection",
		},
	}
	return deps.CheckBinaries(requirements)
}

func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (API unreachable)"
	}
	return err.Error()
}
