package hardware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// DefaultAgentAddr is where the board-side agent listens.
const DefaultAgentAddr = ":8765"

// Agent is the board-side end of WebSocketCommander. Each text message is
// a command line whose first field must be an allowed executable; it is run
// without a shell and its combined output is sent back. Failures are
// reported as a single "ERR <reason>" message.
type Agent struct {
	Allowed []string
	// Timeout bounds a single command; zero means 30s.
	Timeout time.Duration
}

func (a *Agent) timeout() time.Duration {
	if a.Timeout <= 0 {
		return 30 * time.Second
	}
	return a.Timeout
}

// ServeHTTP upgrades the request and serves commands until the peer closes.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logf("agent: accept from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				logf("agent: read from %s: %v", r.RemoteAddr, err)
			}
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "text messages only")
			return
		}
		reply := a.run(ctx, string(data))
		if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			logf("agent: write to %s: %v", r.RemoteAddr, err)
			return
		}
	}
}

func (a *Agent) run(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}
	if !slices.Contains(a.Allowed, fields[0]) {
		logf("agent: refused %q", fields[0])
		return fmt.Sprintf("ERR %s is not an allowed executable", fields[0])
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()
	out, err := exec.CommandContext(ctx, fields[0], fields[1:]...).CombinedOutput()
	if err != nil {
		msg := string(out)
		if msg != "" && !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
		return fmt.Sprintf("%sERR %v", msg, err)
	}
	return string(out)
}
