// Package props maintains per-user stateful remote-execution sessions.
//
// The manager owns every session: tool handlers and HTTP handlers operate
// through userID-scoped operations and never hold a session reference.
// Writes for the same user are mutually exclusive; writes for different
// users proceed independently; status reads never block writers.
package props

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prompterhq/prompter/pkg/models"
)

const defaultCwd = "~"

// cwdMarker is appended to wrapped commands so the session can track the
// working directory across commands without a second round trip.
const cwdMarker = "__prompter_cwd__:"

// Options configures a Manager.
type Options struct {
	Dialer Dialer
	Logger *slog.Logger

	// CommandTimeout bounds each remote command. A timed-out command is
	// recorded as a failed log entry; the session stays connected.
	CommandTimeout time.Duration
}

// Manager is the registry of per-user remote sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	locksMu sync.Mutex
	locks   map[string]*userLock

	dialer         Dialer
	logger         *slog.Logger
	commandTimeout time.Duration
}

type session struct {
	// fieldsMu guards the fields below. It is held only for short field
	// reads/writes, never across remote I/O, so status snapshots do not
	// block on in-flight commands.
	fieldsMu  sync.Mutex
	userID    string
	host      string
	username  string
	cwd       string
	connected bool
	conn      Conn
	log       []models.CommandLogEntry
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &SSHDialer{}
	}
	return &Manager{
		sessions:       make(map[string]*session),
		locks:          make(map[string]*userLock),
		dialer:         dialer,
		logger:         logger,
		commandTimeout: timeout,
	}
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// lockUser serializes write operations for a single user. The lock entry is
// refcounted and removed when unused so the map does not grow unboundedly.
func (m *Manager) lockUser(userID string) func() {
	m.locksMu.Lock()
	lock := m.locks[userID]
	if lock == nil {
		lock = &userLock{}
		m.locks[userID] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(m.locks, userID)
		}
		m.locksMu.Unlock()
	}
}

// Initialize opens a new connection for the user, replacing any existing
// session. The prior connection, if any, is closed first.
func (m *Manager) Initialize(ctx context.Context, userID string, creds Credentials) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if !creds.valid() {
		return ErrInvalidCredentials
	}

	unlock := m.lockUser(userID)
	defer unlock()

	if prior := m.session(userID); prior != nil {
		m.closeSession(prior)
		m.remove(userID)
	}

	conn, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	s := &session{
		userID:    userID,
		host:      creds.Host,
		username:  creds.Username,
		cwd:       defaultCwd,
		connected: true,
		conn:      conn,
	}

	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()

	m.logger.Info("remote session initialized", "user_id", userID, "host", creds.Host)
	return nil
}

// ExecuteCommand runs a command against the user's session, appends a
// CommandLogEntry, and returns the result whether or not the remote command
// itself succeeded. Commands for the same user never interleave on the
// underlying connection.
func (m *Manager) ExecuteCommand(ctx context.Context, userID, command string) (CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return CommandResult{}, fmt.Errorf("command is required")
	}

	unlock := m.lockUser(userID)
	defer unlock()

	s := m.session(userID)
	if s == nil || !s.isConnected() {
		return CommandResult{}, ErrNotConnected
	}

	runCtx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	res, err := s.conn.Run(runCtx, wrapCommand(s.currentCwd(), command))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			timedOut := CommandResult{
				Stderr:   fmt.Sprintf("command timed out after %s", m.commandTimeout),
				ExitCode: -1,
			}
			s.appendLog(command, timedOut)
			return timedOut, nil
		}
		if ctx.Err() != nil {
			return CommandResult{}, ctx.Err()
		}
		s.setConnected(false)
		m.logger.Warn("remote session transport failed", "user_id", userID, "error", err)
		return CommandResult{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if stdout, cwd, ok := splitCwdMarker(res.Stdout); ok {
		res.Stdout = stdout
		s.setCwd(cwd)
	}
	s.appendLog(command, res)
	return res, nil
}

// ReadRemoteFile reads an absolute path over the user's session.
func (m *Manager) ReadRemoteFile(ctx context.Context, userID, path string) ([]byte, error) {
	if err := requireAbsolute(path); err != nil {
		return nil, err
	}

	unlock := m.lockUser(userID)
	defer unlock()

	s := m.session(userID)
	if s == nil || !s.isConnected() {
		return nil, ErrNotConnected
	}

	opCtx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	data, err := s.conn.ReadFile(opCtx, path)
	if err != nil {
		return nil, m.classifyIOError(s, userID, err)
	}
	return data, nil
}

// EditRemoteFile writes content to an absolute path over the user's session.
func (m *Manager) EditRemoteFile(ctx context.Context, userID, path, content string) error {
	if err := requireAbsolute(path); err != nil {
		return err
	}

	unlock := m.lockUser(userID)
	defer unlock()

	s := m.session(userID)
	if s == nil || !s.isConnected() {
		return ErrNotConnected
	}

	opCtx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	if err := s.conn.WriteFile(opCtx, path, []byte(content)); err != nil {
		return m.classifyIOError(s, userID, err)
	}
	return nil
}

// Disconnect closes the user's session if present and removes it.
// Calling it without a session is a no-op.
func (m *Manager) Disconnect(userID string) {
	unlock := m.lockUser(userID)
	defer unlock()

	s := m.session(userID)
	if s == nil {
		return
	}
	m.closeSession(s)
	m.remove(userID)
	m.logger.Info("remote session disconnected", "user_id", userID)
}

// DisconnectAll closes and removes every session.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(s)
	}
	if len(sessions) > 0 {
		m.logger.Info("all remote sessions disconnected", "count", len(sessions))
	}
}

// UserStatus returns a snapshot of the user's session, or a disconnected
// status if none exists. It never blocks on in-flight commands.
func (m *Manager) UserStatus(userID string) models.SessionStatus {
	s := m.session(userID)
	if s == nil {
		return models.SessionStatus{UserID: userID, Connected: false}
	}
	return s.snapshot()
}

// ManagerStatus returns an aggregate snapshot of all sessions.
func (m *Manager) ManagerStatus() models.ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		users = append(users, id)
	}
	sort.Strings(users)
	return models.ManagerStatus{ActiveSessions: len(m.sessions), Users: users}
}

// ActiveSessions reports the current live session count, for metrics.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) session(userID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[userID]
}

func (m *Manager) remove(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

func (m *Manager) closeSession(s *session) {
	s.setConnected(false)
	if err := s.conn.Close(); err != nil {
		m.logger.Warn("session close failed", "user_id", s.userID, "error", err)
	}
}

func (m *Manager) classifyIOError(s *session, userID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("operation timed out after %s", m.commandTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.setConnected(false)
	m.logger.Warn("remote session transport failed", "user_id", userID, "error", err)
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

func requireAbsolute(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be absolute: %q", path)
	}
	return nil
}

func (s *session) isConnected() bool {
	s.fieldsMu.Lock()
	defer s.fieldsMu.Unlock()
	return s.connected
}

func (s *session) setConnected(v bool) {
	s.fieldsMu.Lock()
	s.connected = v
	s.fieldsMu.Unlock()
}

func (s *session) currentCwd() string {
	s.fieldsMu.Lock()
	defer s.fieldsMu.Unlock()
	return s.cwd
}

func (s *session) setCwd(cwd string) {
	if cwd == "" {
		return
	}
	s.fieldsMu.Lock()
	s.cwd = cwd
	s.fieldsMu.Unlock()
}

func (s *session) appendLog(command string, res CommandResult) {
	entry := models.CommandLogEntry{
		Command:   command,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Timestamp: time.Now(),
	}
	s.fieldsMu.Lock()
	s.log = append(s.log, entry)
	s.fieldsMu.Unlock()
}

func (s *session) snapshot() models.SessionStatus {
	s.fieldsMu.Lock()
	defer s.fieldsMu.Unlock()

	log := make([]models.CommandLogEntry, len(s.log))
	copy(log, s.log)
	return models.SessionStatus{
		UserID:     s.userID,
		Connected:  s.connected,
		Host:       s.host,
		Username:   s.username,
		Cwd:        s.cwd,
		CommandLog: log,
	}
}

// wrapCommand runs the command in the session's working directory and emits
// a trailing marker with the directory the command left behind, so `cd`
// takes effect for subsequent commands.
func wrapCommand(cwd, command string) string {
	return fmt.Sprintf(`cd %s && { %s
}; __rc=$?; printf '\n%s%%s' "$PWD"; exit $__rc`, cwdExpr(cwd), command, cwdMarker)
}

// cwdExpr quotes a working directory for the remote shell, leaving the home
// default to tilde expansion.
func cwdExpr(cwd string) string {
	if cwd == defaultCwd {
		return `"$HOME"`
	}
	return shellQuote(cwd)
}

// splitCwdMarker strips the trailing cwd marker from stdout. The marker may
// be missing if output was truncated at the capture cap.
func splitCwdMarker(stdout string) (rest, cwd string, ok bool) {
	idx := strings.LastIndex(stdout, "\n"+cwdMarker)
	if idx < 0 {
		return stdout, "", false
	}
	return stdout[:idx], stdout[idx+1+len(cwdMarker):], true
}
