package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"

	"git.home.luguber.info/inful/prbuild/internal/util/sets"
)

// Authorization action names checked against the accounts file.
const (
	ActionForceBuild   = "forceBuild"
	ActionShowPerf     = "prShowPerf"
	ActionRestartBuild = "prRestartBuild"
	ActionStopBuild    = "prStopBuild"
	ActionRevertBuild  = "prRevertBuild"
)

type account struct {
	hash    string
	comment string
	actions sets.Set[string]
}

// Accounts authorizes API callers from an accounts file with one line per
// user: "user:bcrypt-hash:comment:action,action,...". Blank lines and lines
// starting with # are skipped. A nil *Accounts denies everything.
type Accounts struct {
	path string

	mu       sync.RWMutex
	accounts map[string]account
	// verified caches passwords that already passed a bcrypt comparison so
	// the cost is paid once per credential, not per request. Dropped on
	// reload.
	verified map[string]string

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// LoadAccounts reads the accounts file at path.
func LoadAccounts(path string) (*Accounts, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve accounts path: %w", err)
	}
	a := &Accounts{path: abs}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the accounts file and drops the verification cache.
func (a *Accounts) Reload() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("open accounts file: %w", err)
	}
	defer f.Close()

	accounts := map[string]account{}
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("accounts file %s line %d: want user:hash[:comment[:actions]]", a.path, lineno)
		}
		acct := account{hash: parts[1], actions: sets.New[string]()}
		if len(parts) > 2 {
			acct.comment = parts[2]
		}
		if len(parts) > 3 {
			for _, action := range strings.Split(parts[3], ",") {
				if action = strings.TrimSpace(action); action != "" {
					acct.actions.Add(action)
				}
			}
		}
		accounts[parts[0]] = acct
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read accounts file: %w", err)
	}

	a.mu.Lock()
	a.accounts = accounts
	a.verified = map[string]string{}
	a.mu.Unlock()
	slog.Info("accounts loaded", slog.String("path", a.path), slog.Int("users", len(accounts)))
	return nil
}

// Authenticate verifies a username/password pair.
func (a *Accounts) Authenticate(user, password string) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	acct, ok := a.accounts[user]
	cached := ok && a.verified[user] == password && password != ""
	a.mu.RUnlock()
	if !ok {
		return false
	}
	if cached {
		return true
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.hash), []byte(password)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[user] = password
	a.mu.Unlock()
	return true
}

// Allowed reports whether the user may perform the named action.
func (a *Accounts) Allowed(user, action string) bool {
	if a == nil || user == "" {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.accounts[user]
	return ok && acct.actions.Has(action)
}

// Watch reloads the accounts file when it changes on disk. The containing
// directory is watched so editors that replace the file are caught too.
func (a *Accounts) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create accounts watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(a.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch accounts directory: %w", err)
	}
	a.watcher = w
	a.stop = make(chan struct{})
	go a.watchLoop()
	return nil
}

// Close stops the watcher, if one was started.
func (a *Accounts) Close() error {
	if a == nil || a.watcher == nil {
		return nil
	}
	close(a.stop)
	return a.watcher.Close()
}

func (a *Accounts) watchLoop() {
	name := filepath.Base(a.path)
	var debounce *time.Timer
	for {
		select {
		case <-a.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				if err := a.Reload(); err != nil {
					slog.Error("accounts reload failed", slog.String("path", a.path), slog.String("error", err.Error()))
				}
			})
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("accounts watcher error", slog.String("error", err.Error()))
		}
	}
}

// identify extracts and verifies basic-auth credentials, returning the
// username or empty for anonymous callers.
func (a *Accounts) identify(r *http.Request) string {
	user, pass, ok := r.BasicAuth()
	if !ok || !a.Authenticate(user, pass) {
		return ""
	}
	return user
}
