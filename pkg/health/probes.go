package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/models"
)

// CommandRunner executes an external command and returns its combined
// output. Injected so tests can script launchctl and docker.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// outcome is one probe verdict before it is folded into the result map.
type outcome struct {
	up             bool
	latencyMs      int64
	errMsg         string
	details        string
	downContainers []string
}

func (c *Controller) probe(ctx context.Context, svc config.ServiceConfig) outcome {
	start := time.Now()
	var o outcome
	switch svc.Type {
	case models.ProbeHTTP:
		o = c.probeHTTP(ctx, svc)
	case models.ProbeTCP:
		o = probeTCP(svc)
	case models.ProbeProcess:
		o = c.probeProcess(ctx, svc)
	case models.ProbeContainer:
		o = c.probeContainer(ctx, svc)
	default:
		o = outcome{errMsg: fmt.Sprintf("unknown probe type %q", svc.Type)}
	}
	o.latencyMs = time.Since(start).Milliseconds()
	return o
}

// probeHTTP treats any response, including 4xx/5xx, as proof the listener
// is alive. Only connection, DNS, and timeout errors count as down.
func (c *Controller) probeHTTP(ctx context.Context, svc config.ServiceConfig) outcome {
	ctx, cancel := context.WithTimeout(ctx, svc.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return outcome{errMsg: fmt.Sprintf("bad url: %v", err)}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return outcome{errMsg: err.Error()}
	}
	resp.Body.Close()
	return outcome{up: true, details: resp.Status}
}

func probeTCP(svc config.ServiceConfig) outcome {
	addr := net.JoinHostPort(svc.Host, strconv.Itoa(svc.Port))
	conn, err := net.DialTimeout("tcp", addr, svc.Timeout())
	if err != nil {
		return outcome{errMsg: err.Error()}
	}
	conn.Close()
	return outcome{up: true}
}

// probeProcess looks the label up in the launchd catalog. The first
// column of `launchctl list` is the PID, "-" when the job is loaded but
// not running.
func (c *Controller) probeProcess(ctx context.Context, svc config.ServiceConfig) outcome {
	ctx, cancel := context.WithTimeout(ctx, svc.Timeout())
	defer cancel()

	out, err := c.runner(ctx, "launchctl", "list")
	if err != nil {
		return outcome{errMsg: fmt.Sprintf("launchctl list failed: %v", err)}
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[2] != svc.Label {
			continue
		}
		if fields[0] == "-" {
			return outcome{errMsg: "job loaded but not running"}
		}
		return outcome{up: true, details: "pid " + fields[0]}
	}
	return outcome{errMsg: fmt.Sprintf("label %s not loaded", svc.Label)}
}

// probeContainer is up only when every configured container appears in
// the runtime listing with a running-state marker.
func (c *Controller) probeContainer(ctx context.Context, svc config.ServiceConfig) outcome {
	ctx, cancel := context.WithTimeout(ctx, svc.Timeout())
	defer cancel()

	out, err := c.runner(ctx, "docker", "ps", "--format", "{{.Names}}\t{{.Status}}")
	if err != nil {
		return outcome{errMsg: fmt.Sprintf("docker ps failed: %v", err)}
	}
	running := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		name, status, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if ok && strings.HasPrefix(status, "Up") {
			running[name] = true
		}
	}

	var down []string
	for _, name := range svc.Containers {
		if !running[name] {
			down = append(down, name)
		}
	}
	if len(down) > 0 {
		return outcome{
			errMsg:         "containers down: " + strings.Join(down, ", "),
			downContainers: down,
		}
	}
	return outcome{up: true}
}
