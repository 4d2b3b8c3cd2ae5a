package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serverPort int

	// logBroadcast carries log records to /ws/logs clients. It stays nil
	// unless a viewer is running in this process.
	logBroadcast   chan LogMessage
	logBroadcastMu sync.RWMutex
)

// enableLogBroadcast creates the log stream channel; call before initLogger
func enableLogBroadcast() chan LogMessage {
	logBroadcastMu.Lock()
	defer logBroadcastMu.Unlock()
	if logBroadcast == nil {
		logBroadcast = make(chan LogMessage, 1000)
	}
	return logBroadcast
}

func logBroadcastChannel() chan LogMessage {
	logBroadcastMu.RLock()
	defer logBroadcastMu.RUnlock()
	return logBroadcast
}

var viewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Start a web server showing the running archiver's progress",
	Long:  `Starts a local web server that shows the current table, batch and row counts of a running archiver, read from its task file.`,
	RunE:  runViewer,
}

func init() {
	rootCmd.AddCommand(viewerCmd)
	viewerCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "Port to run the web server on")
}

type StatusResponse struct {
	ArchiverRunning bool      `json:"archiverRunning"`
	PID             int       `json:"pid,omitempty"`
	CurrentTask     *TaskInfo `json:"currentTask,omitempty"`
	Version         string    `json:"version"`
	Timestamp       time.Time `json:"timestamp"`
}

// WebSocket message types
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// clientWrapper wraps a websocket connection with a write mutex to ensure thread-safe writes
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cw *clientWrapper) writeJSON(v any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.conn.WriteJSON(v)
}

// clientSet is a set of connected websocket clients
type clientSet struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]*clientWrapper
}

func newClientSet() *clientSet {
	return &clientSet{conns: make(map[*websocket.Conn]*clientWrapper)}
}

func (s *clientSet) add(conn *websocket.Conn) *clientWrapper {
	w := &clientWrapper{conn: conn}
	s.mu.Lock()
	s.conns[conn] = w
	s.mu.Unlock()
	return w
}

func (s *clientSet) remove(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *clientSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// send writes v to every client and drops the ones that fail
func (s *clientSet) send(v any) {
	s.mu.RLock()
	var failed []*websocket.Conn
	for conn, w := range s.conns {
		if err := w.writeJSON(v); err != nil {
			failed = append(failed, conn)
		}
	}
	s.mu.RUnlock()

	if len(failed) > 0 {
		s.mu.Lock()
		for _, conn := range failed {
			if _, exists := s.conns[conn]; exists {
				conn.Close()
				delete(s.conns, conn)
			}
		}
		s.mu.Unlock()
	}
}

func (s *clientSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}

// viewerServer serves the status page, the status API and the two websocket streams
type viewerServer struct {
	port       int
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	clients    *clientSet
	logClients *clientSet
	broadcast  chan WSMessage
	logs       <-chan LogMessage
}

func newViewerServer(port int, logger *slog.Logger, logs <-chan LogMessage) *viewerServer {
	return &viewerServer{
		port:   port,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true // local tool, served on localhost
			},
		},
		clients:    newClientSet(),
		logClients: newClientSet(),
		broadcast:  make(chan WSMessage, 100),
		logs:       logs,
	}
}

func (v *viewerServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", v.serveViewer)
	mux.HandleFunc("/api/status", v.serveStatus)
	mux.HandleFunc("/api/runs", v.serveRuns)
	mux.HandleFunc("/ws", v.handleWebSocket)
	mux.HandleFunc("/ws/logs", v.handleLogsWebSocket)
	return mux
}

// run serves until ctx is cancelled or the listener fails
func (v *viewerServer) run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", v.port),
		Handler:           v.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("viewer server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		v.clients.closeAll()
		v.logClients.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		v.broadcastLoop(ctx)
		return nil
	})
	g.Go(func() error {
		v.logLoop(ctx)
		return nil
	})
	g.Go(func() error {
		v.monitor(ctx)
		return nil
	})
	return g.Wait()
}

func (v *viewerServer) serveViewer(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(viewerHTML))
}

func (v *viewerServer) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(currentStatus())
}

func (v *viewerServer) serveRuns(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(loadAllRunLogs())
}

// currentStatus reports whether an archiver owns the PID file and what it is doing
func currentStatus() StatusResponse {
	response := StatusResponse{
		Version:   Version,
		Timestamp: time.Now(),
	}

	pid, err := ReadPIDFile()
	if err == nil && IsProcessRunning(pid) {
		response.ArchiverRunning = true
		response.PID = pid

		if taskInfo, err := ReadTaskInfo(); err == nil {
			response.CurrentTask = taskInfo
		}
	}

	return response
}

func (v *viewerServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.logger.Debug(fmt.Sprintf("WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	client := v.clients.add(conn)
	defer v.clients.remove(conn)

	_ = client.writeJSON(WSMessage{Type: "status", Data: currentStatus()})

	// Keep connection alive until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (v *viewerServer) handleLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.logger.Debug(fmt.Sprintf("Logs WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	client := v.logClients.add(conn)
	defer v.logClients.remove(conn)

	_ = client.writeJSON(LogMessage{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     "INFO",
		Message:   "Log streaming connected",
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				v.logger.Debug(fmt.Sprintf("Logs WebSocket error: %v", err))
			}
			break
		}
	}
}

func (v *viewerServer) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-v.broadcast:
			v.clients.send(msg)
		}
	}
}

func (v *viewerServer) logLoop(ctx context.Context) {
	if v.logs == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-v.logs:
			v.logClients.send(msg)
		}
	}
}

func (v *viewerServer) publishStatus(ctx context.Context) {
	select {
	case v.broadcast <- WSMessage{Type: "status", Data: currentStatus()}:
	case <-ctx.Done():
	}
}

// monitor pushes a status update whenever the task or PID file changes,
// plus a periodic refresh to catch missed events
func (v *viewerServer) monitor(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		v.logger.Debug(fmt.Sprintf("Failed to create file watcher, falling back to polling: %v", err))
		v.poll(ctx)
		return
	}
	defer watcher.Close()

	dir := stateDir()
	_ = os.MkdirAll(dir, 0o755)
	if err := watcher.Add(dir); err != nil {
		v.logger.Debug(fmt.Sprintf("Failed to watch %s: %v", dir, err))
	}

	taskFile := filepath.Base(GetTaskFilePath())
	pidFile := filepath.Base(GetPIDFilePath())

	const debounce = 200 * time.Millisecond
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	refreshTicker := time.NewTicker(2 * time.Second)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != taskFile && name != pidFile {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() { v.publishStatus(ctx) })
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			v.logger.Debug(fmt.Sprintf("File watcher error: %v", err))
		case <-refreshTicker.C:
			v.publishStatus(ctx)
		}
	}
}

// poll is the fallback when fsnotify is unavailable
func (v *viewerServer) poll(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastTaskModTime time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(GetTaskFilePath())
		switch {
		case err == nil && info.ModTime().After(lastTaskModTime):
			lastTaskModTime = info.ModTime()
			v.publishStatus(ctx)
		case err != nil && !lastTaskModTime.IsZero():
			lastTaskModTime = time.Time{}
			v.publishStatus(ctx)
		}
	}
}

func runViewer(_ *cobra.Command, _ []string) error {
	logs := enableLogBroadcast()
	if logger == nil {
		isDebug, _ := rootCmd.PersistentFlags().GetBool("debug")
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		if err := initLogger(isDebug, format, ""); err != nil {
			return err
		}
	}

	ctx := signalContext
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Info("")
	logger.Info("🚀 Table Archiver Viewer")
	logger.Info(fmt.Sprintf("📊 Starting web server on http://localhost:%d", serverPort))
	logger.Info("⌨️  Press Ctrl+C to stop the server")

	return newViewerServer(serverPort, logger, logs).run(ctx)
}
