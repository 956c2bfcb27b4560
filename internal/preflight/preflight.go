package preflight

import (
	"context"
	"net/http"

	"talkingheads/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config, client *http.Client) []Result {
	if cfg == nil {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}

	results := []Result{
		CheckDirectoryAccess("Outputs directory", cfg.Storage.OutputsDir),
		CheckDirectoryAccess("Cache directory", cfg.Storage.CacheDir),
		CheckDirectoryAccess("Temp directory", cfg.Storage.TempDir),
		CheckDirectoryAccess("State directory", cfg.Storage.StateDir),
	}

	if cfg.TTS.Engine == "elevenlabs" {
		results = append(results, CheckElevenLabs(ctx, client, cfg.API.ElevenLabs))
	}
	if cfg.Avatar.Engine == "did" {
		results = append(results, CheckDID(ctx, client, cfg.API.DID))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
