// Package auth supplies the signed-in identity and access token the
// collaboration core needs before it may connect, and the HS256 token
// handling the dev server shares with clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoSession     = errors.New("not signed in")
	ErrInvalidToken  = errors.New("invalid access token")
	ErrTokenExpired  = errors.New("access token expired")
	ErrInvalidConfig = errors.New("invalid credentials file")
)

type Logger interface {
	Printf(format string, args ...any)
}

// Session is the signed-in user. Without an AccessToken nothing may connect.
type Session struct {
	UserID      string
	UserEmail   string
	AccessToken string
	ExpiresAt   time.Time
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type Provider interface {
	Session(ctx context.Context) (Session, error)
}

// SessionFromToken fills identity fields from the token's claims when it is
// a JWT. Opaque tokens are returned as-is.
func SessionFromToken(token string) Session {
	token = strings.TrimSpace(token)
	session := Session{AccessToken: token}
	claims, err := ParseUnverified(token)
	if err != nil {
		return session
	}
	session.UserID = claims.UserID
	session.UserEmail = claims.UserEmail
	if claims.Exp > 0 {
		session.ExpiresAt = time.Unix(claims.Exp, 0).UTC()
	}
	return session
}

type StaticProvider struct {
	session Session
	now     func() time.Time
}

func NewStaticProvider(session Session) *StaticProvider {
	return &StaticProvider{session: session, now: time.Now}
}

func (p *StaticProvider) Session(context.Context) (Session, error) {
	return validate(p.session, p.now())
}

func validate(session Session, now time.Time) (Session, error) {
	if strings.TrimSpace(session.AccessToken) == "" {
		return Session{}, ErrNoSession
	}
	if session.Expired(now) {
		return Session{}, ErrTokenExpired
	}
	return session, nil
}

type credentialsFile struct {
	AccessToken string `yaml:"access_token"`
	UserID      string `yaml:"user_id"`
	UserEmail   string `yaml:"user_email"`
}

// FileProvider reads credentials from a YAML (or JSON) file and, while
// Watch runs, reloads them whenever the file changes. A reload that fails
// keeps the previous session.
type FileProvider struct {
	path   string
	logger Logger
	now    func() time.Time

	mu      sync.RWMutex
	session Session
	subs    map[int]func(Session)
	nextSub int
}

func NewFileProvider(path string, logger Logger) (*FileProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	p := &FileProvider{
		path:   filepath.Clean(path),
		logger: logger,
		now:    time.Now,
		subs:   map[int]func(Session){},
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Session(context.Context) (Session, error) {
	p.mu.RLock()
	session := p.session
	p.mu.RUnlock()
	return validate(session, p.now())
}

// Subscribe registers fn for sessions loaded after a token change.
func (p *FileProvider) Subscribe(fn func(Session)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var creds credentialsFile
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	session := SessionFromToken(creds.AccessToken)
	if creds.UserID != "" {
		session.UserID = creds.UserID
	}
	if creds.UserEmail != "" {
		session.UserEmail = creds.UserEmail
	}

	p.mu.Lock()
	changed := session != p.session
	p.session = session
	subs := make([]func(Session), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	if changed {
		for _, fn := range subs {
			fn(session)
		}
	}
	return nil
}

// Watch reloads the credentials file on every change until ctx is done. It
// watches the parent directory so editors that replace the file by rename
// are picked up.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logf("reload credentials from %s failed: %v", p.path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logf("credentials watcher error: %v", err)
		}
	}
}

func (p *FileProvider) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
