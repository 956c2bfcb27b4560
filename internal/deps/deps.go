package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"talkingheads/internal/services"
)

// Requirement defines an external binary the renderer relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		switch {
		case cmd == "":
			status.Detail = "command not configured"
		default:
			if resolved, err := exec.LookPath(cmd); err != nil {
				status.Detail = fmt.Sprintf("binary %q not found", cmd)
			} else {
				status.Command = resolved
				status.Available = true
			}
		}
		results = append(results, status)
	}
	return results
}

// RequireAll returns a configuration error naming every missing required
// binary. Optional requirements never fail.
func RequireAll(statuses []Status) error {
	var missing []string
	for _, status := range statuses {
		if status.Available || status.Optional {
			continue
		}
		missing = append(missing, fmt.Sprintf("%s (%s)", status.Name, status.Detail))
	}
	if len(missing) == 0 {
		return nil
	}
	return services.Wrap(
		services.ErrConfiguration,
		"preflight",
		"check binaries",
		"missing required binaries: "+strings.Join(missing, ", "),
		nil,
	)
}
