// Package templates renders notification content. Defaults are embedded in
// the binary; a Store can override any of them at runtime.
package templates

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"path"
	"strings"
	"sync"
	texttemplate "text/template"
	"time"

	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
	"mailflow/pkg/notification"
)

//go:embed email/*.html sms/*.txt
var defaults embed.FS

var ErrTemplateNotFound = errors.New("template not found")

const defaultCacheTTL = 5 * time.Minute

// Store returns the raw source of an override template. found is false when
// the store has no override for name.
type Store interface {
	Fetch(ctx context.Context, name string) (source []byte, found bool, err error)
}

type Data struct {
	AppName       string
	Recipient     string
	RecipientName string
	ActionURL     string
	Params        map[string]string
}

type Email struct {
	Subject string
	Body    string
}

type entry struct {
	subject  *texttemplate.Template
	html     *htmltemplate.Template
	text     *texttemplate.Template
	loadedAt time.Time
}

type Renderer struct {
	store Store
	ttl   time.Duration
	log   *logger.Logger

	mu    sync.RWMutex
	cache map[string]*entry
}

// NewRenderer accepts a nil store, in which case only embedded templates are used.
func NewRenderer(store Store, log *logger.Logger) *Renderer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Renderer{
		store: store,
		ttl:   defaultCacheTTL,
		log:   log,
		cache: make(map[string]*entry),
	}
}

// Name is the template path for a channel and subtype, e.g. "email/confirm_email".
func Name(channel notification.MessageType, sub notification.SubType) string {
	return strings.ToLower(string(channel)) + "/" + strings.ToLower(string(sub))
}

// RenderEmail executes the "subject" and "body" blocks. Any failure is a
// *messaging.PermanentContentError since retrying cannot fix a template.
func (r *Renderer) RenderEmail(ctx context.Context, sub notification.SubType, data Data) (Email, error) {
	name := Name(notification.TypeEmail, sub)
	e, err := r.load(ctx, name, true)
	if err != nil {
		return Email{}, err
	}

	var subject, body bytes.Buffer
	if err := e.subject.ExecuteTemplate(&subject, "subject", data); err != nil {
		return Email{}, messaging.Permanent("render subject "+name, err)
	}
	if err := e.html.ExecuteTemplate(&body, "body", data); err != nil {
		return Email{}, messaging.Permanent("render body "+name, err)
	}
	return Email{Subject: strings.TrimSpace(subject.String()), Body: strings.TrimSpace(body.String())}, nil
}

func (r *Renderer) RenderSMS(ctx context.Context, sub notification.SubType, data Data) (string, error) {
	name := Name(notification.TypeSMS, sub)
	e, err := r.load(ctx, name, false)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	if err := e.text.ExecuteTemplate(&body, "body", data); err != nil {
		return "", messaging.Permanent("render "+name, err)
	}
	return strings.TrimSpace(body.String()), nil
}

// Embedded returns the built-in template sources keyed by Name, e.g. for
// uploading them to a Store as editable overrides.
func Embedded() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := fs.WalkDir(defaults, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := defaults.ReadFile(p)
		if err != nil {
			return err
		}
		out[strings.TrimSuffix(p, path.Ext(p))] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops cached templates so the next render reloads them.
func (r *Renderer) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*entry)
	r.mu.Unlock()
}

func (r *Renderer) load(ctx context.Context, name string, html bool) (*entry, error) {
	r.mu.RLock()
	e, ok := r.cache[name]
	r.mu.RUnlock()
	if ok && time.Since(e.loadedAt) < r.ttl {
		return e, nil
	}

	source, err := r.source(ctx, name, html)
	if err != nil {
		return nil, err
	}
	e, err = parse(name, source, html)
	if err != nil {
		return nil, messaging.Permanent("parse "+name, err)
	}

	r.mu.Lock()
	r.cache[name] = e
	r.mu.Unlock()
	return e, nil
}

func (r *Renderer) source(ctx context.Context, name string, html bool) (string, error) {
	if r.store != nil {
		data, found, err := r.store.Fetch(ctx, name)
		switch {
		case err != nil:
			r.log.Warn("[TEMPLATES] Override lookup for %s failed, using embedded default: %v", name, err)
		case found:
			return string(data), nil
		}
	}

	ext := ".txt"
	if html {
		ext = ".html"
	}
	data, err := defaults.ReadFile(name + ext)
	if err != nil {
		return "", messaging.Permanent(name, fmt.Errorf("%w: %s", ErrTemplateNotFound, name))
	}
	return string(data), nil
}

func parse(name, source string, html bool) (*entry, error) {
	e := &entry{loadedAt: time.Now()}
	if !html {
		t, err := texttemplate.New(name).Option("missingkey=zero").Parse(source)
		if err != nil {
			return nil, err
		}
		if t.Lookup("body") == nil {
			return nil, fmt.Errorf("template %s has no body block", name)
		}
		e.text = t
		return e, nil
	}

	subject, err := texttemplate.New(name).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, err
	}
	body, err := htmltemplate.New(name).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, err
	}
	if subject.Lookup("subject") == nil || body.Lookup("body") == nil {
		return nil, fmt.Errorf("template %s needs subject and body blocks", name)
	}
	e.subject = subject
	e.html = body
	return e, nil
}
