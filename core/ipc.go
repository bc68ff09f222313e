package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/encodeous/meshbridge/perf"
	"github.com/encodeous/meshbridge/state"
)

// StatusSource is what the diagnostic server reports on.
type StatusSource interface {
	Status() Status
	Router() *Router
}

// DiagServer serves /status, /trace and the metric endpoints.
type DiagServer struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

func NewDiagMux(src StatusSource, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	perf.Register(mux)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(src.Status()); err != nil {
			log.Debug("failed to write status", "error", err)
		}
	})
	mux.HandleFunc("/trace", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		ch, unsubscribe := src.Router().Subscribe(state.TraceBufferSize)
		defer unsubscribe()
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		enc := json.NewEncoder(w)
		for {
			select {
			case <-r.Context().Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				if err := enc.Encode(v); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
	return mux
}

// ServeDiag starts the diagnostic server on listen. It stops when Close is called.
func ServeDiag(listen string, src StatusSource, log *slog.Logger) (*DiagServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("diag listen %s: %w", listen, err)
	}
	d := &DiagServer{
		srv: &http.Server{Handler: NewDiagMux(src, log), ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log,
	}
	go func() {
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("diag server stopped", "error", err)
		}
	}()
	log.Info("diagnostics listening", "addr", ln.Addr().String())
	return d, nil
}

func (d *DiagServer) Addr() string {
	return d.ln.Addr().String()
}

func (d *DiagServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), state.ShutdownJoinTimeout)
	defer cancel()
	// trace streams never end on their own
	err := d.srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return d.srv.Close()
	}
	return err
}

// FetchStatus reads /status from a running bridge.
func FetchStatus(ctx context.Context, addr string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: %s", res.Status)
	}
	var st Status
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// FollowTrace streams dispatched packets from a running bridge until ctx is done or fn fails.
func FollowTrace(ctx context.Context, addr string, fn func(pkt state.DecodedPacket) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/trace", nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		var pkt state.DecodedPacket
		if err := json.Unmarshal(sc.Bytes(), &pkt); err != nil {
			return err
		}
		if err := fn(pkt); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// WriteStatus renders a status for humans.
func WriteStatus(w io.Writer, st *Status) error {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("Bridge %s (%s)\n", st.Id, st.Mode))
	sb.WriteString("\nBackends:\n")
	if len(st.Backends) == 0 {
		sb.WriteString(" (none)\n")
	}
	for _, b := range st.Backends {
		sb.WriteString(fmt.Sprintf(" - %s [%s] %s\n", b.Backend, b.Protocol, b.Endpoint))
		sb.WriteString(fmt.Sprintf("   Status: %s, health %s, reconnect attempts %d\n", b.Status, b.Health, b.ReconnectAttempts))
		if b.SelfId != "" {
			sb.WriteString(fmt.Sprintf("   Node: %s\n", b.SelfId))
		}
		if !b.LastActivity.IsZero() {
			sb.WriteString(fmt.Sprintf("   Last activity: %s\n", b.LastActivity.Format(time.RFC3339)))
		}
	}

	sb.WriteString("\nRouter:\n")
	rt := []string{
		fmt.Sprintf(" - dedup entries: %d", st.DedupEntries),
		fmt.Sprintf(" - nodes: %d", st.Nodes),
	}
	if !st.LastDispatch.IsZero() {
		rt = append(rt, fmt.Sprintf(" - last dispatch: %s", st.LastDispatch.Format(time.RFC3339)))
	}
	slices.Sort(rt)
	sb.WriteString(strings.Join(rt, "\n") + "\n")

	if st.Store != nil {
		sb.WriteString("\nStore:\n")
		sb.WriteString(fmt.Sprintf(" - saved %d, failed %d, dropped %d, queued %d\n",
			st.Store.Saved, st.Store.Failed, st.Store.Dropped, st.Store.Queued))
	}
	if st.Sync != nil {
		sb.WriteString("\nSync:\n")
		sb.WriteString(fmt.Sprintf(" - runs %d, skipped %d, failed %d\n", st.Sync.Runs, st.Sync.Skipped, st.Sync.Failed))
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
